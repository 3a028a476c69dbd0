package manufacturing

import (
	"errors"
	"fmt"
)

// Common manufacturing engine errors
// 製造エンジン共通のエラー定義

var (
	// ErrItemNotFound is returned when an item doesn't exist
	// 商品が存在しない場合のエラー
	ErrItemNotFound = errors.New("商品が見つかりません")

	// ErrOrderNotFound is returned when a work order doesn't exist
	// 製造指図が存在しない場合のエラー
	ErrOrderNotFound = errors.New("製造指図が見つかりません")

	// ErrEventNotFound is returned when an order event doesn't exist
	// 製造イベントが存在しない場合のエラー
	ErrEventNotFound = errors.New("製造イベントが見つかりません")

	// ErrMovementNotFound is returned when a ledger movement doesn't exist
	// 元帳移動が存在しない場合のエラー
	ErrMovementNotFound = errors.New("元帳移動が見つかりません")

	// ErrRecordNotFound is returned when a reconciliation record doesn't exist
	// 棚卸調整レコードが存在しない場合のエラー
	ErrRecordNotFound = errors.New("棚卸調整レコードが見つかりません")

	// ErrMovementAlreadyReversed is returned when reversing an already-reversed movement
	// 既に取消済みの移動を再度取り消そうとした場合のエラー
	ErrMovementAlreadyReversed = errors.New("元帳移動は既に取消済みです")

	// ErrEventAlreadyCancelled is returned when cancelling an already-cancelled event
	// 既にキャンセル済みのイベントを再度キャンセルしようとした場合のエラー
	ErrEventAlreadyCancelled = errors.New("製造イベントは既にキャンセル済みです")

	// ErrRecordAlreadyCancelled is returned when cancelling an already-cancelled record
	// 既にキャンセル済みのレコードを再度キャンセルしようとした場合のエラー
	ErrRecordAlreadyCancelled = errors.New("棚卸調整レコードは既にキャンセル済みです")

	// ErrRecordNotPosted is returned when cancelling a record that was never posted
	// 未記帳のレコードをキャンセルしようとした場合のエラー
	ErrRecordNotPosted = errors.New("棚卸調整レコードは記帳されていません")

	// ErrValuationRequired is returned when a debit's rate cannot be determined
	// 払出の評価レートを決定できない場合のエラー
	ErrValuationRequired = errors.New("評価レートを決定できません")

	// ErrEmptyReconciliation is returned when all reconciliation lines are no-ops
	// すべての調整行が無変化の場合のエラー
	ErrEmptyReconciliation = errors.New("何も変更しない棚卸調整は記帳できません")

	// ErrConsumptionNotAllowed is returned when explicit consumption is disabled
	// 明示的な材料消費が無効化されている場合のエラー
	ErrConsumptionNotAllowed = errors.New("材料消費モードが有効化されていません")

	// ErrDuplicateOrder is returned when registering a work order that already exists
	// 既に存在する製造指図を登録しようとした場合のエラー
	ErrDuplicateOrder = errors.New("製造指図は既に存在します")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// AmbiguousTargetError is returned when a reconciliation line specifies neither qty nor rate
// 調整行に目標数量も目標レートも指定されていない場合のエラー
type AmbiguousTargetError struct {
	ItemID    string `json:"item_id"`   // 商品ID
	Warehouse string `json:"warehouse"` // 倉庫
}

func (e AmbiguousTargetError) Error() string {
	return fmt.Sprintf("調整行に目標数量または目標レートの少なくとも一方が必要です [%s@%s]", e.ItemID, e.Warehouse)
}

// InsufficientStockError is returned when a debit would drive a balance negative
// 払出により残高が負になる場合のエラー
type InsufficientStockError struct {
	ItemID    string `json:"item_id"`   // 商品ID
	Warehouse string `json:"warehouse"` // 倉庫
	Requested string `json:"requested"` // 要求数量
	Available string `json:"available"` // 利用可能数量
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s@%s]: 要求 %s に対して利用可能 %s", e.ItemID, e.Warehouse, e.Requested, e.Available)
}

// OverProductionError is the advisory production-cap violation raised before posting
// 記帳前の事前チェックで検出される超過生産エラー
type OverProductionError struct {
	OrderID   string `json:"order_id"`  // 指図ID
	Requested string `json:"requested"` // 要求後の製造数量
	Cap       string `json:"cap"`       // 許容上限
}

func (e OverProductionError) Error() string {
	return fmt.Sprintf("計画数量を超える製造はできません [%s]: %s > 上限 %s", e.OrderID, e.Requested, e.Cap)
}

// StockOverProductionError is the authoritative post-time production-cap violation
// 記帳時点の確定チェックで検出される超過生産エラー
type StockOverProductionError struct {
	OrderID   string `json:"order_id"`  // 指図ID
	Requested string `json:"requested"` // 要求後の製造数量
	Cap       string `json:"cap"`       // 許容上限
}

func (e StockOverProductionError) Error() string {
	return fmt.Sprintf("記帳済み製造数量が上限を超過します [%s]: %s > 上限 %s", e.OrderID, e.Requested, e.Cap)
}

// CapacityError is surfaced verbatim from the capacity planner and blocks submission
// 能力計画チェックの失敗を表現（提出をブロック）
type CapacityError struct {
	OrderID string `json:"order_id"` // 指図ID
	Message string `json:"message"`  // 計画サービスからのメッセージ
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("能力計画チェックに失敗しました [%s]: %s", e.OrderID, e.Message)
}

// ItemStateError is returned when the target item is disabled, obsolete or has variants
// 対象商品が無効・販売終了・バリアント保有の場合のエラー
type ItemStateError struct {
	ItemID string `json:"item_id"` // 商品ID
	Reason string `json:"reason"`  // 拒否理由
}

func (e ItemStateError) Error() string {
	return fmt.Sprintf("商品の状態により処理できません [%s]: %s", e.ItemID, e.Reason)
}

// StateTransitionError is returned on an illegal work order lifecycle transition
// 製造指図の不正な状態遷移を表現
type StateTransitionError struct {
	OrderID string         `json:"order_id"` // 指図ID
	From    WorkOrderState `json:"from"`     // 現在の状態
	To      WorkOrderState `json:"to"`       // 遷移先の状態
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf("不正な状態遷移です [%s]: %s -> %s", e.OrderID, e.From, e.To)
}

// CancellationOrderError is returned when cancelling an event with uncancelled dependents
// 依存する後続イベントが未キャンセルのままキャンセルしようとした場合のエラー
type CancellationOrderError struct {
	EventID     string `json:"event_id"`     // キャンセル対象イベントID
	DependentID string `json:"dependent_id"` // 先にキャンセルすべきイベントID
}

func (e CancellationOrderError) Error() string {
	return fmt.Sprintf("後続イベントを先にキャンセルする必要があります [%s]: 依存イベント %s", e.EventID, e.DependentID)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
