package manufacturing

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Allocator selects transferred batch/serial units to cover a consumption requirement
// 消費所要量をカバーする振替済みバッチ/シリアル単位を選択
//
// 受入シーケンス番号による厳密なFIFOで引き当てる。同値の場合は単位IDで決定する。
// 状態が変わらない限り、同じ入力は常に同じ計画を返す。
type Allocator struct {
	logger *zap.Logger
}

// NewAllocator creates a new allocator
// 新しいアロケーターを作成
func NewAllocator(logger *zap.Logger) *Allocator {
	return &Allocator{logger: logger}
}

// Plan builds an ordered allocation plan covering neededQty from the given units
// 指定単位群からneededQtyをカバーする順序付き引当計画を構築
//
// 不足時は部分計画と不足数量を返し、フォールバックの判断は呼び出し元に委ねる。
func (a *Allocator) Plan(units []*TrackedUnit, neededQty decimal.Decimal) *AllocationPlan {
	plan := &AllocationPlan{Shortfall: decimal.Zero}
	if neededQty.Sign() <= 0 {
		return plan
	}

	ordered := orderUnits(units)

	remaining := neededQty
	for _, unit := range ordered {
		if remaining.Sign() <= 0 {
			break
		}
		available := unit.RemainingQty()
		if available.Sign() <= 0 {
			continue
		}

		take := available
		if unit.Kind == UnitKindSerial {
			// シリアルは分割不可：常に数量1を引き当てる
			take = decimal.NewFromInt(1)
			if remaining.LessThan(take) {
				continue
			}
		} else if take.GreaterThan(remaining) {
			take = remaining
		}

		plan.Entries = append(plan.Entries, AllocationEntry{Unit: unit, Qty: take})
		remaining = remaining.Sub(take)
	}

	if remaining.Sign() > 0 {
		plan.Shortfall = remaining
	}

	return plan
}

// Apply decrements the remaining quantity of each allocated unit
// 引当済み各単位の残数量を減算
func (a *Allocator) Apply(plan *AllocationPlan) {
	for _, e := range plan.Entries {
		e.Unit.ConsumedQty = e.Unit.ConsumedQty.Add(e.Qty)
	}
}

// Release restores the remaining quantity of each allocated unit on cancellation
// キャンセル時に引当済み各単位の残数量を復元
func (a *Allocator) Release(plan *AllocationPlan) {
	for _, e := range plan.Entries {
		e.Unit.ConsumedQty = e.Unit.ConsumedQty.Sub(e.Qty)
	}
}

// orderUnits returns the units in strict FIFO order by receipt sequence, ties by ID
// 受入シーケンスによる厳密なFIFO順（同値は単位ID順）で単位を返す
func orderUnits(units []*TrackedUnit) []*TrackedUnit {
	ordered := make([]*TrackedUnit, len(units))
	copy(ordered, units)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ReceiptSeq != ordered[j].ReceiptSeq {
			return ordered[i].ReceiptSeq < ordered[j].ReceiptSeq
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
