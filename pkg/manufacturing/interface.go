package manufacturing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// WorkOrderTracker defines the core interface for manufacturing event tracking
// 製造イベント追跡のコアインターフェースを定義
type WorkOrderTracker interface {
	// 指図ライフサイクル - Order lifecycle
	CreateOrder(ctx context.Context, order *WorkOrder) error
	Submit(ctx context.Context, orderID string) error
	Stop(ctx context.Context, orderID, reason string) error
	Close(ctx context.Context, orderID, reason string) error

	// 製造イベント - Manufacturing events
	RecordTransfer(ctx context.Context, orderID string, lines []TransferLine) (*OrderEvent, error)
	RecordManufacture(ctx context.Context, orderID string, finishedQty, scrapQty decimal.Decimal) (*OrderEvent, error)
	RecordConsumption(ctx context.Context, orderID string, lines []TransferLine) (*OrderEvent, error)
	RecordReturn(ctx context.Context, orderID string) (*OrderEvent, error)
	CancelEvent(ctx context.Context, eventID string) error

	// 照会 - Inquiry
	GetOrder(ctx context.Context, orderID string) (*WorkOrder, error)
	GetEvent(ctx context.Context, eventID string) (*OrderEvent, error)
}

// QuantityLedger defines the append-only quantity/value ledger interface
// 追記専用の数量・価値元帳インターフェースを定義
type QuantityLedger interface {
	PostMovement(ctx context.Context, movement *Movement) (string, error)
	PostMovements(ctx context.Context, movements []*Movement) ([]string, error)
	ReverseMovement(ctx context.Context, movementID string) (string, error)
	BalanceAsOf(ctx context.Context, itemID, warehouse string, batchID *string, instant time.Time) (decimal.Decimal, decimal.Decimal, error)
	Balance(ctx context.Context, itemID, warehouse string, batchID *string) (decimal.Decimal, decimal.Decimal, error)
	SerialsOnHand(ctx context.Context, itemID, warehouse string) ([]string, error)
}

// ItemCatalog resolves item master data by ID
// 商品マスタデータをIDで解決
type ItemCatalog interface {
	GetItem(itemID string) (*Item, error)
}

// CapacityPlanner is the advisory scheduling feasibility collaborator
// 事前的なスケジューリング実現性チェックの外部コラボレーター
type CapacityPlanner interface {
	CheckFits(ctx context.Context, order *WorkOrder) error
}

// ValuationSource provides default valuation rates from the item master
// 商品マスタのデフォルト評価レートを提供
type ValuationSource interface {
	DefaultRate(ctx context.Context, itemID string) (decimal.Decimal, bool, error)
}

// PriceList provides buying rates in a given currency
// 指定通貨の購買価格を提供
type PriceList interface {
	BuyingRate(ctx context.Context, itemID, currency string) (decimal.Decimal, bool, error)
}

// LedgerSink is the durable store backing the quantity ledger
// 数量元帳を裏付ける永続ストア
type LedgerSink interface {
	Post(ctx context.Context, movement *Movement) error
	Reverse(ctx context.Context, movementID string, reversal *Movement) error
}

// BackgroundQueue defers long-running work off the submitting caller
// 長時間処理を呼び出し元から切り離すバックグラウンドキュー
type BackgroundQueue interface {
	Enqueue(ctx context.Context, action func(ctx context.Context) error, timeout time.Duration) (string, error)
}

// DocumentStore persists work orders, events and reconciliation records
// 製造指図・イベント・棚卸調整レコードを永続化
type DocumentStore interface {
	SaveWorkOrder(ctx context.Context, order *WorkOrder) error
	GetWorkOrder(ctx context.Context, orderID string) (*WorkOrder, error)
	SaveEvent(ctx context.Context, event *OrderEvent) error
	SaveReconciliation(ctx context.Context, record *ReconciliationRecord) error
	GetReconciliation(ctx context.Context, recordID string) (*ReconciliationRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher defines interface for publishing manufacturing events
// 製造イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishOrderStateChanged(ctx context.Context, event OrderStateChangedEvent) error
	PublishManufactureRecorded(ctx context.Context, event ManufactureRecordedEvent) error
	PublishReconciliationPosted(ctx context.Context, event ReconciliationPostedEvent) error
}

// Events for manufacturing operations
// 製造操作のイベント定義

// OrderStateChangedEvent represents a work order lifecycle transition
// 製造指図の状態遷移イベントを表現
type OrderStateChangedEvent struct {
	OrderID   string         `json:"order_id"`
	OldState  WorkOrderState `json:"old_state"`
	NewState  WorkOrderState `json:"new_state"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
}

// ManufactureRecordedEvent represents a posted manufacture event
// 記帳された製造イベントを表現
type ManufactureRecordedEvent struct {
	OrderID     string          `json:"order_id"`
	EventID     string          `json:"event_id"`
	FinishedQty decimal.Decimal `json:"finished_qty"`
	ProducedQty decimal.Decimal `json:"produced_qty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ReconciliationPostedEvent represents a posted stock reconciliation
// 記帳された棚卸調整を表現
type ReconciliationPostedEvent struct {
	RecordID         string          `json:"record_id"`
	LineCount        int             `json:"line_count"`
	DifferenceAmount decimal.Decimal `json:"difference_amount"`
	Timestamp        time.Time       `json:"timestamp"`
}
