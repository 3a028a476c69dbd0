// Package manufacturing provides core manufacturing consumption and stock reconciliation functionality
package manufacturing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TrackingMode defines how units of an item are individually identified
// 商品の個体識別方法を定義
type TrackingMode string

const (
	TrackingNone        TrackingMode = "none"         // 追跡なし
	TrackingBatch       TrackingMode = "batch"        // バッチ追跡
	TrackingSerial      TrackingMode = "serial"       // シリアル追跡
	TrackingBatchSerial TrackingMode = "batch+serial" // バッチ+シリアル追跡
)

// HasBatch reports whether the mode includes batch tracking
// モードがバッチ追跡を含むかを返す
func (m TrackingMode) HasBatch() bool {
	return m == TrackingBatch || m == TrackingBatchSerial
}

// HasSerial reports whether the mode includes serial tracking
// モードがシリアル追跡を含むかを返す
func (m TrackingMode) HasSerial() bool {
	return m == TrackingSerial || m == TrackingBatchSerial
}

// Item represents immutable item master data referenced by the engine
// エンジンが参照する商品マスタデータを表現（本コアでは不変）
type Item struct {
	ID           string          `json:"id" db:"id"`                         // 商品ID
	Name         string          `json:"name" db:"name"`                     // 商品名
	Tracking     TrackingMode    `json:"tracking" db:"tracking"`             // 在庫追跡モード
	DefaultRate  decimal.Decimal `json:"default_rate" db:"default_rate"`     // デフォルト評価レート
	QtyPrecision int32           `json:"qty_precision" db:"qty_precision"`   // 数量の小数精度
	Disabled     bool            `json:"disabled" db:"disabled"`             // 無効フラグ
	EndOfLife    *time.Time      `json:"end_of_life" db:"end_of_life"`       // 販売終了日
	HasVariants  bool            `json:"has_variants" db:"has_variants"`     // バリアント保有フラグ
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`         // 作成日時
}

// ConsumptionPolicy defines how raw-material backflush quantities are derived
// 原材料のバックフラッシュ数量の算出方法を定義
type ConsumptionPolicy string

const (
	PolicyBOM                              ConsumptionPolicy = "BOM"                                // BOM基準
	PolicyMaterialTransferred              ConsumptionPolicy = "MaterialTransferred"                // 振替実績基準
	PolicyMaterialTransferredForManufacture ConsumptionPolicy = "MaterialTransferredForManufacture" // 製造用振替実績基準
)

// WorkOrderState defines the lifecycle state of a work order
// 製造指図のライフサイクル状態を定義
type WorkOrderState string

const (
	StateDraft      WorkOrderState = "draft"       // 下書き
	StateNotStarted WorkOrderState = "not_started" // 提出済み・未着手
	StateInProcess  WorkOrderState = "in_process"  // 仕掛中
	StateCompleted  WorkOrderState = "completed"   // 完了
	StateStopped    WorkOrderState = "stopped"     // 中止
	StateClosed     WorkOrderState = "closed"      // クローズ
)

// RequiredItem represents one raw-material component row of a work order
// 製造指図の原材料構成品目行を表現
type RequiredItem struct {
	ItemID          string          `json:"item_id" db:"item_id"`                   // 構成品目の商品ID
	RequiredQty     decimal.Decimal `json:"required_qty" db:"required_qty"`         // 所要数量
	ReservedQty     decimal.Decimal `json:"reserved_qty" db:"reserved_qty"`         // 製造用予約数量
	TransferredQty  decimal.Decimal `json:"transferred_qty" db:"transferred_qty"`   // 振替済み数量
	ConsumedQty     decimal.Decimal `json:"consumed_qty" db:"consumed_qty"`         // 消費済み数量
	ReturnedQty     decimal.Decimal `json:"returned_qty" db:"returned_qty"`         // 返却済み数量
	SourceWarehouse string          `json:"source_warehouse" db:"source_warehouse"` // 払出元倉庫
	QtyPrecision    int32           `json:"qty_precision" db:"qty_precision"`       // 数量の小数精度
}

// WorkOrder represents one planned production run
// 1件の計画された製造指図を表現
type WorkOrder struct {
	ID                   string            `json:"id" db:"id"`                                         // 指図ID
	ItemID               string            `json:"item_id" db:"item_id"`                               // 製造対象商品ID
	PlannedQty           decimal.Decimal   `json:"planned_qty" db:"planned_qty"`                       // 計画数量
	ProducedQty          decimal.Decimal   `json:"produced_qty" db:"produced_qty"`                     // 製造済み数量
	Policy               ConsumptionPolicy `json:"policy" db:"policy"`                                 // 消費ポリシー
	State                WorkOrderState    `json:"state" db:"state"`                                   // ライフサイクル状態
	Components           []*RequiredItem   `json:"components"`                                         // 構成品目リスト
	WIPWarehouse         string            `json:"wip_warehouse" db:"wip_warehouse"`                   // 仕掛品倉庫
	TargetWarehouse      string            `json:"target_warehouse" db:"target_warehouse"`             // 完成品倉庫
	OverProductionFactor decimal.Decimal   `json:"over_production_factor" db:"over_production_factor"` // 超過生産許容係数
	OperatingCostPerUnit decimal.Decimal   `json:"operating_cost_per_unit" db:"operating_cost_per_unit"` // 単位あたり作業原価
	PlanningHorizon      time.Duration     `json:"planning_horizon" db:"planning_horizon"`             // 能力計画ホライズン
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`                         // 作成日時
	UpdatedAt            time.Time         `json:"updated_at" db:"updated_at"`                         // 更新日時
}

// PlannedOperatingCost returns the operating cost scaled to the planned quantity
// 計画数量に比例した作業原価を返す
func (wo *WorkOrder) PlannedOperatingCost() decimal.Decimal {
	return wo.OperatingCostPerUnit.Mul(wo.PlannedQty)
}

// ProductionCap returns the maximum allowed produced quantity
// 許容される最大製造数量を返す
func (wo *WorkOrder) ProductionCap() decimal.Decimal {
	factor := wo.OverProductionFactor
	if factor.IsZero() {
		factor = decimal.NewFromInt(1)
	}
	return wo.PlannedQty.Mul(factor)
}

// Component returns the component row for an item, or nil
// 指定商品の構成品目行を返す（存在しない場合はnil）
func (wo *WorkOrder) Component(itemID string) *RequiredItem {
	for _, c := range wo.Components {
		if c.ItemID == itemID {
			return c
		}
	}
	return nil
}

// MovementType defines the causal kind of a ledger movement
// 元帳移動の原因種別を定義
type MovementType string

const (
	MovementTransfer       MovementType = "transfer"       // 製造用材料振替
	MovementManufacture    MovementType = "manufacture"    // 完成品計上
	MovementConsumption    MovementType = "consumption"    // 材料消費
	MovementReturn         MovementType = "return"         // 未消費材料の返却
	MovementReconciliation MovementType = "reconciliation" // 棚卸調整
	MovementReversal       MovementType = "reversal"       // 取消（反対仕訳）
)

// Movement represents one immutable signed quantity/value movement
// 1件の不変な符号付き数量・価値移動を表現
type Movement struct {
	ID                 string          `json:"id" db:"id"`                                     // 移動ID
	Type               MovementType    `json:"type" db:"type"`                                 // 移動種別
	ItemID             string          `json:"item_id" db:"item_id"`                           // 商品ID
	Warehouse          string          `json:"warehouse" db:"warehouse"`                       // 倉庫
	BatchID            *string         `json:"batch_id" db:"batch_id"`                         // バッチID（任意）
	SerialNo           *string         `json:"serial_no" db:"serial_no"`                       // シリアル番号（任意）
	Qty                decimal.Decimal `json:"qty" db:"qty"`                                   // 符号付き数量
	Rate               decimal.Decimal `json:"rate" db:"rate"`                                 // 評価レート
	Sequence           int64           `json:"sequence" db:"sequence"`                         // (商品,倉庫)ごとの単調増加シーケンス
	DocumentID         string          `json:"document_id" db:"document_id"`                   // 原因ドキュメントID
	AllowNegativeStock bool            `json:"allow_negative_stock" db:"allow_negative_stock"` // 負の在庫を許可
	ReversalOf         *string         `json:"reversal_of" db:"reversal_of"`                   // 取消対象の移動ID
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`                     // 記帳日時
}

// Value returns the signed value of the movement (qty x rate)
// 移動の符号付き価値（数量×レート）を返す
func (m *Movement) Value() decimal.Decimal {
	return m.Qty.Mul(m.Rate)
}

// UnitKind defines the kind of a tracked unit
// 追跡単位の種別を定義
type UnitKind string

const (
	UnitKindNone   UnitKind = "none"   // 識別なし（集約単位）
	UnitKindBatch  UnitKind = "batch"  // バッチ
	UnitKindSerial UnitKind = "serial" // シリアル
)

// TrackedUnit represents a transferred batch or serial unit available for allocation
// 引当可能な振替済みバッチ/シリアル単位を表現
type TrackedUnit struct {
	ID             string          `json:"id"`              // 単位ID（バッチID/シリアル番号）
	Kind           UnitKind        `json:"kind"`            // 単位種別
	ItemID         string          `json:"item_id"`         // 商品ID
	ReceiptSeq     int64           `json:"receipt_seq"`     // 受入シーケンス番号
	TransferredQty decimal.Decimal `json:"transferred_qty"` // 振替済み数量
	ConsumedQty    decimal.Decimal `json:"consumed_qty"`    // 消費済み数量
	Rate           decimal.Decimal `json:"rate"`            // 受入時の評価レート
}

// RemainingQty returns the transferred-but-unconsumed quantity
// 振替済みかつ未消費の残数量を返す
func (u *TrackedUnit) RemainingQty() decimal.Decimal {
	return u.TransferredQty.Sub(u.ConsumedQty)
}

// AllocationEntry represents one unit selection within an allocation plan
// 引当計画内の1件の単位選択を表現
type AllocationEntry struct {
	Unit *TrackedUnit    `json:"unit"` // 引当対象の単位
	Qty  decimal.Decimal `json:"qty"`  // 引当数量
}

// AllocationPlan represents an ordered allocation of units covering a requirement
// 所要量を満たす順序付き引当計画を表現
type AllocationPlan struct {
	Entries   []AllocationEntry `json:"entries"`   // 引当エントリ（FIFO順）
	Shortfall decimal.Decimal   `json:"shortfall"` // 不足数量
}

// AllocatedQty returns the total quantity covered by the plan
// 計画でカバーされる合計数量を返す
func (p *AllocationPlan) AllocatedQty() decimal.Decimal {
	total := decimal.Zero
	for _, e := range p.Entries {
		total = total.Add(e.Qty)
	}
	return total
}

// EventType defines the type of a recorded manufacturing event
// 記録された製造イベントの種別を定義
type EventType string

const (
	EventTransfer    EventType = "transfer"    // 材料振替イベント
	EventManufacture EventType = "manufacture" // 製造イベント
	EventConsumption EventType = "consumption" // 材料消費イベント
	EventReturn      EventType = "return"      // 材料返却イベント
)

// OrderEvent represents one posted manufacturing event and its ledger movements
// 記帳済みの製造イベントとその元帳移動を表現
type OrderEvent struct {
	ID            string                     `json:"id" db:"id"`                 // イベントID
	OrderID       string                     `json:"order_id" db:"order_id"`     // 製造指図ID
	Type          EventType                  `json:"type" db:"type"`             // イベント種別
	Seq           int64                      `json:"seq" db:"seq"`               // 指図内のイベントシーケンス
	FinishedQty   decimal.Decimal            `json:"finished_qty"`               // 完成数量（製造イベントのみ）
	ScrapQty      decimal.Decimal            `json:"scrap_qty"`                  // スクラップ数量（製造イベントのみ）
	ComponentQtys map[string]decimal.Decimal `json:"component_qtys"`             // 構成品目ごとの数量
	MovementIDs   []string                   `json:"movement_ids"`               // 記帳された移動ID（時系列順）
	Allocations   map[string]*AllocationPlan `json:"-"`                          // 構成品目ごとの引当計画
	Completed     bool                       `json:"completed" db:"completed"`   // このイベントで完了したか
	Cancelled     bool                       `json:"cancelled" db:"cancelled"`   // キャンセル済みフラグ
	CreatedAt     time.Time                  `json:"created_at" db:"created_at"` // 記録日時
}

// TransferLine represents one component line of a material transfer
// 材料振替の1構成品目行を表現
type TransferLine struct {
	ItemID    string          `json:"item_id"`    // 商品ID
	Qty       decimal.Decimal `json:"qty"`        // 振替数量
	Rate      decimal.Decimal `json:"rate"`       // 評価レート
	BatchID   *string         `json:"batch_id"`   // バッチID（バッチ追跡時）
	SerialNos []string        `json:"serial_nos"` // シリアル番号リスト（シリアル追跡時）
}

// ReconciliationState defines the state of a reconciliation record
// 棚卸調整レコードの状態を定義
type ReconciliationState string

const (
	ReconciliationDraft     ReconciliationState = "draft"     // 下書き
	ReconciliationQueued    ReconciliationState = "queued"    // バックグラウンド実行待ち
	ReconciliationPosted    ReconciliationState = "posted"    // 記帳済み
	ReconciliationCancelled ReconciliationState = "cancelled" // キャンセル済み
	ReconciliationFailed    ReconciliationState = "failed"    // 失敗
)

// ReconciliationLine represents one target line of a stock reconciliation
// 棚卸調整の1目標行を表現
type ReconciliationLine struct {
	ItemID       string           `json:"item_id" db:"item_id"`       // 商品ID
	Warehouse    string           `json:"warehouse" db:"warehouse"`   // 倉庫
	BatchID      *string          `json:"batch_id" db:"batch_id"`     // バッチID（任意）
	SerialNos    []string         `json:"serial_nos"`                 // 目標シリアル集合（シリアル追跡時）
	TargetQty    *decimal.Decimal `json:"target_qty"`                 // 目標数量（任意）
	TargetRate   *decimal.Decimal `json:"target_rate"`                // 目標評価レート（任意）
	CurrentQty   decimal.Decimal  `json:"current_qty"`                // 記帳時点の現在数量
	CurrentRate  decimal.Decimal  `json:"current_rate"`               // 記帳時点の現在レート
	QtyPrecision int32            `json:"qty_precision"`              // 数量の小数精度
	MovementIDs  []string         `json:"movement_ids"`               // 記帳された移動IDリスト
	CreatedBatch *string          `json:"created_batch"`              // 記帳時に新規作成したバッチID
	Dropped      bool             `json:"dropped"`                    // 無変化のため除外されたか
}

// ReconciliationRecord represents a set of reconciliation target lines
// 棚卸調整の目標行の集合を表現
type ReconciliationRecord struct {
	ID               string                `json:"id" db:"id"`                             // レコードID
	Lines            []*ReconciliationLine `json:"lines"`                                  // 目標行
	State            ReconciliationState   `json:"state" db:"state"`                       // 状態
	DifferenceAmount decimal.Decimal       `json:"difference_amount" db:"difference_amount"` // 差異金額合計
	FailureComment   string                `json:"failure_comment" db:"failure_comment"`   // 失敗コメント
	PostedAt         *time.Time            `json:"posted_at" db:"posted_at"`               // 記帳日時
	CreatedAt        time.Time             `json:"created_at" db:"created_at"`             // 作成日時
}

// SurvivingLines returns the lines that were not dropped by the no-op filter
// 無変化フィルタで除外されなかった行を返す
func (r *ReconciliationRecord) SurvivingLines() []*ReconciliationLine {
	var lines []*ReconciliationLine
	for _, l := range r.Lines {
		if !l.Dropped {
			lines = append(lines, l)
		}
	}
	return lines
}

// ReconciliationMode indicates whether a reconciliation ran synchronously or was deferred
// 棚卸調整が同期実行されたか遅延実行されたかを示す
type ReconciliationMode string

const (
	ModeImmediate ReconciliationMode = "immediate" // 同期実行
	ModeDeferred  ReconciliationMode = "deferred"  // 遅延実行
)

// ReconciliationResult is returned by Submit: either an immediate result or a job handle
// Submitの戻り値：即時結果またはジョブハンドル
type ReconciliationResult struct {
	Mode   ReconciliationMode    `json:"mode"`             // 実行モード
	Record *ReconciliationRecord `json:"record,omitempty"` // 即時実行時の記帳済みレコード
	JobID  string                `json:"job_id,omitempty"` // 遅延実行時のジョブID
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// NewEventID generates a new event ID
// 新しいイベントIDを生成
func NewEventID() string {
	return uuid.New().String()
}

// NewBatchID generates a new batch ID
// 新しいバッチIDを生成
func NewBatchID() string {
	return uuid.New().String()
}

// NewRecordID generates a new reconciliation record ID
// 新しい棚卸調整レコードIDを生成
func NewRecordID() string {
	return uuid.New().String()
}
