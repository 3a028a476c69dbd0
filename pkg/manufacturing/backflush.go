package manufacturing

import (
	"github.com/shopspring/decimal"
)

// BackflushPolicy computes the expected raw-material consumption for a manufacture event
// 製造イベントに対する原材料の期待消費数量を算出
//
// ポリシーは指図ごとに一度選択され、バックフラッシュ計算へ明示的に引き渡される。
type BackflushPolicy interface {
	// Name returns the consumption policy this strategy implements
	// この戦略が実装する消費ポリシーを返す
	Name() ConsumptionPolicy

	// ExpectedQty computes the backflush quantity for one component,
	// rounded to the component's quantity precision
	// 1構成品目のバックフラッシュ数量を品目の数量精度に丸めて算出
	ExpectedQty(order *WorkOrder, comp *RequiredItem, finishedQty decimal.Decimal) decimal.Decimal

	// AllowsImplicitTransfer reports whether a shortfall may be issued
	// directly from the source warehouse without a prior transfer
	// 不足分を事前振替なしで払出元倉庫から直接払い出せるかを返す
	AllowsImplicitTransfer() bool
}

// PolicyFor returns the strategy for a consumption policy
// 消費ポリシーに対応する戦略を返す
func PolicyFor(policy ConsumptionPolicy) BackflushPolicy {
	switch policy {
	case PolicyMaterialTransferred:
		return materialTransferredPolicy{mode: PolicyMaterialTransferred}
	case PolicyMaterialTransferredForManufacture:
		return materialTransferredPolicy{mode: PolicyMaterialTransferredForManufacture}
	default:
		return bomPolicy{}
	}
}

// bomPolicy backflushes proportionally to the BOM requirement
// BOM所要量に比例してバックフラッシュ
type bomPolicy struct{}

func (bomPolicy) Name() ConsumptionPolicy { return PolicyBOM }

// ExpectedQty = finishedQty x required_qty / planned_qty
func (bomPolicy) ExpectedQty(order *WorkOrder, comp *RequiredItem, finishedQty decimal.Decimal) decimal.Decimal {
	if order.PlannedQty.IsZero() {
		return decimal.Zero
	}
	return finishedQty.Mul(comp.RequiredQty).Div(order.PlannedQty).Round(comp.QtyPrecision)
}

// BOMポリシーでは不足分を暗黙の追加振替として許容する
func (bomPolicy) AllowsImplicitTransfer() bool { return true }

// materialTransferredPolicy backflushes proportionally to the transferred quantity,
// so over-transferred raw material is consumed instead of stranded in WIP
// 振替実績に比例してバックフラッシュし、過剰振替分を仕掛品に残さず消費する
type materialTransferredPolicy struct {
	mode ConsumptionPolicy
}

func (p materialTransferredPolicy) Name() ConsumptionPolicy { return p.mode }

// ExpectedQty = finishedQty x transferred_qty / planned_qty
func (p materialTransferredPolicy) ExpectedQty(order *WorkOrder, comp *RequiredItem, finishedQty decimal.Decimal) decimal.Decimal {
	if order.PlannedQty.IsZero() {
		return decimal.Zero
	}
	return finishedQty.Mul(comp.TransferredQty).Div(order.PlannedQty).Round(comp.QtyPrecision)
}

// 振替実績基準では事前に振り替えた材料のみを消費する
func (p materialTransferredPolicy) AllowsImplicitTransfer() bool { return false }
