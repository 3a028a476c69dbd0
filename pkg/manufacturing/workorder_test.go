package manufacturing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockDocumentStore はテスト用のDocumentStoreモック
type MockDocumentStore struct {
	mock.Mock
}

func (m *MockDocumentStore) SaveWorkOrder(ctx context.Context, order *WorkOrder) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockDocumentStore) GetWorkOrder(ctx context.Context, orderID string) (*WorkOrder, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*WorkOrder), args.Error(1)
}

func (m *MockDocumentStore) SaveEvent(ctx context.Context, event *OrderEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDocumentStore) SaveReconciliation(ctx context.Context, record *ReconciliationRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDocumentStore) GetReconciliation(ctx context.Context, recordID string) (*ReconciliationRecord, error) {
	args := m.Called(ctx, recordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ReconciliationRecord), args.Error(1)
}

func (m *MockDocumentStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDocumentStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockCapacityPlanner はテスト用のCapacityPlannerモック
type MockCapacityPlanner struct {
	mock.Mock
}

func (m *MockCapacityPlanner) CheckFits(ctx context.Context, order *WorkOrder) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

// MockEventPublisher はテスト用のEventPublisherモック
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishOrderStateChanged(ctx context.Context, event OrderStateChangedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishManufactureRecorded(ctx context.Context, event ManufactureRecordedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishReconciliationPosted(ctx context.Context, event ReconciliationPostedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockValuationSource はテスト用のValuationSourceモック
type MockValuationSource struct {
	mock.Mock
}

func (m *MockValuationSource) DefaultRate(ctx context.Context, itemID string) (decimal.Decimal, bool, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).(decimal.Decimal), args.Bool(1), args.Error(2)
}

// MockPriceList はテスト用のPriceListモック
type MockPriceList struct {
	mock.Mock
}

func (m *MockPriceList) BuyingRate(ctx context.Context, itemID, currency string) (decimal.Decimal, bool, error) {
	args := m.Called(ctx, itemID, currency)
	return args.Get(0).(decimal.Decimal), args.Bool(1), args.Error(2)
}

// MockBackgroundQueue はテスト用のBackgroundQueueモック
type MockBackgroundQueue struct {
	mock.Mock
}

func (m *MockBackgroundQueue) Enqueue(ctx context.Context, action func(ctx context.Context) error, timeout time.Duration) (string, error) {
	args := m.Called(ctx, action, timeout)
	return args.String(0), args.Error(1)
}

// テストヘルパー

// newTestTracker はインメモリ元帳を持つトラッカーを構築する
func newTestTracker(config *Config) (*Tracker, *Ledger) {
	logger := zap.NewNop()
	ledger := NewLedger(nil, nil, logger)
	tracker := NewTracker(ledger, NewAllocator(logger), nil, nil, nil, logger, config)
	return tracker, ledger
}

// seedStock は倉庫に初期在庫を記帳する
func seedStock(t *testing.T, ledger *Ledger, itemID, warehouse string, qty, rate int64) {
	t.Helper()
	_, err := ledger.PostMovement(context.Background(), &Movement{
		Type:      MovementReconciliation,
		ItemID:    itemID,
		Warehouse: warehouse,
		Qty:       decimal.NewFromInt(qty),
		Rate:      decimal.NewFromInt(rate),
	})
	assert.NoError(t, err)
}

// seedBatchStock は指定バッチで初期在庫を記帳する
func seedBatchStock(t *testing.T, ledger *Ledger, itemID, warehouse, batchID string, qty, rate int64) {
	t.Helper()
	batch := batchID
	_, err := ledger.PostMovement(context.Background(), &Movement{
		Type:      MovementReconciliation,
		ItemID:    itemID,
		Warehouse: warehouse,
		BatchID:   &batch,
		Qty:       decimal.NewFromInt(qty),
		Rate:      decimal.NewFromInt(rate),
	})
	assert.NoError(t, err)
}

// newTestOrder は単一構成品目の製造指図を構築する
func newTestOrder(id string, planned, required int64, policy ConsumptionPolicy) *WorkOrder {
	return &WorkOrder{
		ID:         id,
		ItemID:     "FG-ITEM",
		PlannedQty: decimal.NewFromInt(planned),
		Policy:     policy,
		Components: []*RequiredItem{
			{
				ItemID:          "RM-ITEM",
				RequiredQty:     decimal.NewFromInt(required),
				SourceWarehouse: "RM-WH",
			},
		},
		WIPWarehouse:    "WIP-WH",
		TargetWarehouse: "FG-WH",
	}
}

// TestTracker_CreateOrder は製造指図作成のテスト
func TestTracker_CreateOrder(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)

	// テスト実行
	err := tracker.CreateOrder(ctx, order)

	// アサーション
	assert.NoError(t, err)
	assert.Equal(t, StateDraft, order.State)
	assert.True(t, order.OverProductionFactor.Equal(decimal.NewFromInt(1)))

	// 同一IDの再作成は拒否される
	err = tracker.CreateOrder(ctx, newTestOrder("WO-001", 10, 20, PolicyBOM))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

// TestTracker_CreateOrderValidation は指図作成時のバリデーションのテスト
func TestTracker_CreateOrderValidation(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	// 指図ID未指定
	order := newTestOrder("", 10, 20, PolicyBOM)
	assert.IsType(t, &ValidationError{}, tracker.CreateOrder(ctx, order))

	// 指図IDに無効な文字
	order = newTestOrder("WO 001", 10, 20, PolicyBOM)
	assert.IsType(t, &ValidationError{}, tracker.CreateOrder(ctx, order))

	// 計画数量ゼロ
	order = newTestOrder("WO-001", 0, 20, PolicyBOM)
	assert.IsType(t, &ValidationError{}, tracker.CreateOrder(ctx, order))

	// 構成品目なし
	order = newTestOrder("WO-001", 10, 20, PolicyBOM)
	order.Components = nil
	assert.IsType(t, &ValidationError{}, tracker.CreateOrder(ctx, order))
}

// TestTracker_Submit は指図提出のテスト
func TestTracker_Submit(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))

	// テスト実行
	err := tracker.Submit(ctx, "WO-001")

	// アサーション - 未着手へ遷移し、所要量が予約される
	assert.NoError(t, err)
	assert.Equal(t, StateNotStarted, order.State)
	assert.True(t, order.Components[0].ReservedQty.Equal(decimal.NewFromInt(20)))

	// 二重提出は遷移エラー
	err = tracker.Submit(ctx, "WO-001")
	assert.IsType(t, &StateTransitionError{}, err)
}

// TestTracker_SubmitDisabledItem は無効化商品の提出拒否のテスト
func TestTracker_SubmitDisabledItem(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	tracker.RegisterItem(&Item{ID: "FG-ITEM", Name: "完成品", Disabled: true})

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))

	// テスト実行
	err := tracker.Submit(ctx, "WO-001")

	// アサーション - 状態は下書きのまま
	assert.IsType(t, &ItemStateError{}, err)
	assert.Equal(t, StateDraft, order.State)
}

// TestTracker_SubmitEndOfLifeItem は販売終了商品の提出拒否のテスト
func TestTracker_SubmitEndOfLifeItem(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	past := time.Now().Add(-24 * time.Hour)
	tracker.RegisterItem(&Item{ID: "FG-ITEM", Name: "完成品", EndOfLife: &past})

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))

	assert.IsType(t, &ItemStateError{}, tracker.Submit(ctx, "WO-001"))
}

// TestTracker_SubmitCapacityRejected は能力計画チェックの失敗伝播のテスト
func TestTracker_SubmitCapacityRejected(t *testing.T) {
	mockCapacity := new(MockCapacityPlanner)
	logger := zap.NewNop()
	ledger := NewLedger(nil, nil, logger)
	tracker := NewTracker(ledger, NewAllocator(logger), mockCapacity, nil, nil, logger, nil)
	ctx := context.Background()

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	order.PlanningHorizon = 30 * 24 * time.Hour
	assert.NoError(t, tracker.CreateOrder(ctx, order))

	// モックの期待値設定
	capErr := &CapacityError{OrderID: "WO-001", Message: "計画ホライズン内に割当可能な作業区がありません"}
	mockCapacity.On("CheckFits", ctx, order).Return(capErr)

	// テスト実行
	err := tracker.Submit(ctx, "WO-001")

	// アサーション - エラーはそのまま伝播し、副作用を残さない
	assert.Equal(t, capErr, err)
	assert.Equal(t, StateDraft, order.State)
	assert.True(t, order.Components[0].ReservedQty.IsZero())
	mockCapacity.AssertExpectations(t)
}

// TestTracker_RecordTransfer は材料振替のテスト
func TestTracker_RecordTransfer(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	batch := "LOT-A"
	seedBatchStock(t, ledger, "RM-ITEM", "RM-WH", batch, 20, 5)

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行
	event, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5), BatchID: &batch},
	})

	// アサーション - 初回振替で仕掛中へ遷移する
	assert.NoError(t, err)
	assert.Equal(t, EventTransfer, event.Type)
	assert.Equal(t, StateInProcess, order.State)
	assert.True(t, order.Components[0].TransferredQty.Equal(decimal.NewFromInt(10)))

	srcQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "RM-WH", nil)
	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", &batch)
	assert.True(t, srcQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, wipQty.Equal(decimal.NewFromInt(10)))
}

// TestTracker_TransferUnseededBatchRejected は未受入バッチからの振替拒否のテスト
func TestTracker_TransferUnseededBatchRejected(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	// 倉庫全体には在庫があるが、指定バッチの残高はゼロ
	seedStock(t, ledger, "RM-ITEM", "RM-WH", 20, 5)

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	batch := "LOT-X"

	// テスト実行
	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5), BatchID: &batch},
	})

	// アサーション - バッチ残高を超える払出は集計残高に関わらず拒否される
	assert.Error(t, err)
	assert.IsType(t, &InsufficientStockError{}, err)
}

// TestTracker_TransferUnknownComponent は構成外品目の振替拒否のテスト
func TestTracker_TransferUnknownComponent(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "OTHER-ITEM", "RM-WH", 10, 5)

	order := newTestOrder("WO-001", 10, 20, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "OTHER-ITEM", Qty: decimal.NewFromInt(5), Rate: decimal.NewFromInt(5)},
	})

	assert.IsType(t, &ValidationError{}, err)
}

// TestTracker_BackflushBOMRatio はBOM基準バックフラッシュの按分のテスト
func TestTracker_BackflushBOMRatio(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	batch := "LOT-A"
	seedBatchStock(t, ledger, "RM-ITEM", "RM-WH", batch, 20, 5)

	// 計画20に対して所要20：完成1単位あたり原材料1単位
	order := newTestOrder("WO-001", 20, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5), BatchID: &batch},
	})
	assert.NoError(t, err)

	// テスト実行 - 完成8 x 所要10 / 計画20 = 消費4
	event, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(8), decimal.Zero)

	// アサーション
	assert.NoError(t, err)
	assert.True(t, event.ComponentQtys["RM-ITEM"].Equal(decimal.NewFromInt(4)))
	assert.True(t, order.Components[0].ConsumedQty.Equal(decimal.NewFromInt(4)))
	assert.True(t, order.Components[0].ReservedQty.Equal(decimal.NewFromInt(6)))
	assert.True(t, order.ProducedQty.Equal(decimal.NewFromInt(8)))

	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", nil)
	fgQty, fgValue, _ := ledger.Balance(ctx, "FG-ITEM", "FG-WH", nil)
	assert.True(t, wipQty.Equal(decimal.NewFromInt(6)))
	assert.True(t, fgQty.Equal(decimal.NewFromInt(8)))
	// 完成品価値 = 消費原材料価値 4 x 5 = 20
	assert.True(t, fgValue.Equal(decimal.NewFromInt(20)))
}

// TestTracker_BackflushTransferredBasis は振替実績基準バックフラッシュのテスト
func TestTracker_BackflushTransferredBasis(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 12, 5)

	order := newTestOrder("WO-001", 10, 10, PolicyMaterialTransferredForManufacture)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// 過剰振替：所要10に対して12
	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(12), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	// テスト実行 - 完成10 x 振替12 / 計画10 = 消費12：過剰分が仕掛品に残らない
	event, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(10), decimal.Zero)

	// アサーション
	assert.NoError(t, err)
	assert.True(t, event.ComponentQtys["RM-ITEM"].Equal(decimal.NewFromInt(12)))

	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", nil)
	assert.True(t, wipQty.IsZero())
	assert.Equal(t, StateCompleted, order.State)
	assert.True(t, event.Completed)
}

// TestTracker_BackflushImplicitTransfer はBOM基準の暗黙追加払出のテスト
func TestTracker_BackflushImplicitTransfer(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行 - 事前振替なしの製造：不足分は払出元倉庫から直接払い出される
	event, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(5), decimal.Zero)

	// アサーション
	assert.NoError(t, err)
	assert.True(t, event.ComponentQtys["RM-ITEM"].Equal(decimal.NewFromInt(5)))

	srcQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "RM-WH", nil)
	fgQty, fgValue, _ := ledger.Balance(ctx, "FG-ITEM", "FG-WH", nil)
	assert.True(t, srcQty.Equal(decimal.NewFromInt(95)))
	assert.True(t, fgQty.Equal(decimal.NewFromInt(5)))
	// 払出元の現在レート50で評価される
	assert.True(t, fgValue.Equal(decimal.NewFromInt(250)))
}

// TestTracker_BackflushShortfallRejected は振替実績基準の不足時拒否のテスト
func TestTracker_BackflushShortfallRejected(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 10, 5)

	order := newTestOrder("WO-001", 10, 10, PolicyMaterialTransferredForManufacture)
	order.OverProductionFactor = decimal.NewFromInt(2)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(6), decimal.Zero)
	assert.NoError(t, err)

	// テスト実行 - 完成5 x 振替10 / 計画10 = 消費5だが残存単位は4しかない
	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(5), decimal.Zero)

	// アサーション
	assert.Error(t, err)
	assert.IsType(t, &InsufficientStockError{}, err)
}

// TestTracker_OverProductionAdvisoryCheck はカウンタ基準の超過生産チェックのテスト
func TestTracker_OverProductionAdvisoryCheck(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(6), decimal.Zero)
	assert.NoError(t, err)

	// テスト実行 - 6 + 7 = 13 > 上限10
	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(7), decimal.Zero)

	// アサーション
	assert.Error(t, err)
	assert.IsType(t, &OverProductionError{}, err)
}

// TestTracker_OverProductionStockCheck はイベントログ基準の権威的チェックのテスト
func TestTracker_OverProductionStockCheck(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(6), decimal.Zero)
	assert.NoError(t, err)

	// カウンタ乖離をシミュレート：カウンタ上はゼロだがイベントログには6が残る
	order.ProducedQty = decimal.Zero

	// テスト実行 - 事前チェックは通過するが、記帳済みイベントの再計算で拒否される
	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(7), decimal.Zero)

	// アサーション
	assert.Error(t, err)
	assert.IsType(t, &StockOverProductionError{}, err)

	// 再構築でカウンタがイベントログと一致する
	assert.NoError(t, tracker.RebuildCounters(ctx, "WO-001"))
	assert.True(t, order.ProducedQty.Equal(decimal.NewFromInt(6)))

	// 上限内の製造は受け付けられ、計画数量到達で完了する
	event, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(4), decimal.Zero)
	assert.NoError(t, err)
	assert.True(t, event.Completed)
	assert.Equal(t, StateCompleted, order.State)
}

// TestTracker_OverProductionFactor は超過生産許容係数のテスト
func TestTracker_OverProductionFactor(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 200, 50)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	order.OverProductionFactor = decimal.NewFromFloat(1.2)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// 上限 10 x 1.2 = 12 までは許容される
	_, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(12), decimal.Zero)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, order.State)

	// テスト実行 - 完了後の追加製造は状態遷移エラー
	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(1), decimal.Zero)
	assert.IsType(t, &StateTransitionError{}, err)
}

// TestTracker_CancelManufacture は製造イベントキャンセルのテスト
func TestTracker_CancelManufacture(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 20, 5)

	order := newTestOrder("WO-001", 20, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	event, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(8), decimal.Zero)
	assert.NoError(t, err)

	// テスト実行
	err = tracker.CancelEvent(ctx, event.ID)

	// アサーション - カウンタと残高が製造前へ正確に戻る
	assert.NoError(t, err)
	assert.True(t, order.ProducedQty.IsZero())
	assert.True(t, order.Components[0].ConsumedQty.IsZero())

	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", nil)
	fgQty, _, _ := ledger.Balance(ctx, "FG-ITEM", "FG-WH", nil)
	assert.True(t, wipQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, fgQty.IsZero())

	// 二重キャンセルは明示的に拒否される
	err = tracker.CancelEvent(ctx, event.ID)
	assert.ErrorIs(t, err, ErrEventAlreadyCancelled)
}

// TestTracker_CancelCompletingManufactureRevertsState は完了解除のテスト
func TestTracker_CancelCompletingManufactureRevertsState(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	first, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(6), decimal.Zero)
	assert.NoError(t, err)
	assert.False(t, first.Completed)

	second, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(4), decimal.Zero)
	assert.NoError(t, err)
	assert.True(t, second.Completed)
	assert.Equal(t, StateCompleted, order.State)

	// テスト実行 - 完了をもたらしたイベントのキャンセルで仕掛中へ戻る
	err = tracker.CancelEvent(ctx, second.ID)

	// アサーション
	assert.NoError(t, err)
	assert.Equal(t, StateInProcess, order.State)
	assert.True(t, order.ProducedQty.Equal(decimal.NewFromInt(6)))
}

// TestTracker_CancelOrderingGuard は依存イベントのキャンセル順序保護のテスト
func TestTracker_CancelOrderingGuard(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 20, 5)

	order := newTestOrder("WO-001", 20, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	transfer, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	manufacture, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(8), decimal.Zero)
	assert.NoError(t, err)

	// テスト実行 - 後続の製造が未キャンセルのまま振替をキャンセルする
	err = tracker.CancelEvent(ctx, transfer.ID)

	// アサーション - 依存イベントを先にキャンセルするよう要求される
	assert.Error(t, err)
	assert.IsType(t, &CancellationOrderError{}, err)

	// 製造を先にキャンセルすれば振替もキャンセルできる
	assert.NoError(t, tracker.CancelEvent(ctx, manufacture.ID))
	assert.NoError(t, tracker.CancelEvent(ctx, transfer.ID))

	// 全イベントキャンセル後は未着手へ戻り、残高は指図前の状態になる
	assert.Equal(t, StateNotStarted, order.State)
	srcQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "RM-WH", nil)
	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", nil)
	assert.True(t, srcQty.Equal(decimal.NewFromInt(20)))
	assert.True(t, wipQty.IsZero())
}

// TestTracker_RecordConsumptionRequiresConfig は材料消費の設定ガードのテスト
func TestTracker_RecordConsumptionRequiresConfig(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	_, err := tracker.RecordConsumption(context.Background(), "WO-001", nil)

	assert.ErrorIs(t, err, ErrConsumptionNotAllowed)
}

// TestTracker_RecordConsumption は明示的な材料消費のテスト
func TestTracker_RecordConsumption(t *testing.T) {
	config := DefaultConfig()
	config.MaterialConsumption = true
	tracker, ledger := newTestTracker(config)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 20, 5)

	order := newTestOrder("WO-001", 20, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	// テスト実行
	event, err := tracker.RecordConsumption(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(3)},
	})

	// アサーション
	assert.NoError(t, err)
	assert.Equal(t, EventConsumption, event.Type)
	assert.True(t, order.Components[0].ConsumedQty.Equal(decimal.NewFromInt(3)))

	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", nil)
	assert.True(t, wipQty.Equal(decimal.NewFromInt(7)))
}

// TestTracker_RecordReturn は未消費材料返却のテスト
func TestTracker_RecordReturn(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 12, 5)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(12), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(10), decimal.Zero)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, order.State)

	// テスト実行 - 振替12 - 消費10 = 余剰2を払出元へ返却
	event, err := tracker.RecordReturn(ctx, "WO-001")

	// アサーション
	assert.NoError(t, err)
	assert.Equal(t, EventReturn, event.Type)
	assert.True(t, order.Components[0].ReturnedQty.Equal(decimal.NewFromInt(2)))

	srcQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "RM-WH", nil)
	wipQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "WIP-WH", nil)
	assert.True(t, srcQty.Equal(decimal.NewFromInt(2)))
	assert.True(t, wipQty.IsZero())

	// 余剰が残っていない再返却は拒否される
	_, err = tracker.RecordReturn(ctx, "WO-001")
	assert.IsType(t, &ValidationError{}, err)
}

// TestTracker_ReturnRequiresTerminalState は仕掛中の返却拒否のテスト
func TestTracker_ReturnRequiresTerminalState(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 10, 5)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	_, err = tracker.RecordReturn(ctx, "WO-001")

	assert.IsType(t, &StateTransitionError{}, err)
}

// TestTracker_Close は指図クローズのテスト
func TestTracker_Close(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行
	err := tracker.Close(ctx, "WO-001", "計画変更")

	// アサーション - クローズは終端状態
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, order.State)

	_, err = tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(1), Rate: decimal.NewFromInt(5)},
	})
	assert.IsType(t, &StateTransitionError{}, err)

	err = tracker.Close(ctx, "WO-001", "再クローズ")
	assert.IsType(t, &StateTransitionError{}, err)
}

// TestTracker_CloseRequiresReason はクローズ理由必須のテスト
func TestTracker_CloseRequiresReason(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行 - 空白のみの理由は拒否される
	err := tracker.Close(ctx, "WO-001", "   ")

	// アサーション
	assert.IsType(t, &ValidationError{}, err)
	assert.Equal(t, StateNotStarted, order.State)
}

// TestTracker_Stop は指図停止のテスト
func TestTracker_Stop(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 10, 5)

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})
	assert.NoError(t, err)

	// テスト実行
	err = tracker.Stop(ctx, "WO-001", "設備故障")

	// アサーション - 停止は終端状態で、以後の製造は拒否される
	assert.NoError(t, err)
	assert.Equal(t, StateStopped, order.State)

	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(1), decimal.Zero)
	assert.IsType(t, &StateTransitionError{}, err)

	// 停止済み指図からの未消費材料返却は引き続き可能
	event, err := tracker.RecordReturn(ctx, "WO-001")
	assert.NoError(t, err)
	assert.Equal(t, EventReturn, event.Type)

	srcQty, _, _ := ledger.Balance(ctx, "RM-ITEM", "RM-WH", nil)
	assert.True(t, srcQty.Equal(decimal.NewFromInt(10)))

	// 二重停止は遷移エラー、空の理由はバリデーションエラー
	assert.IsType(t, &StateTransitionError{}, tracker.Stop(ctx, "WO-001", "再停止"))
	assert.IsType(t, &ValidationError{}, tracker.Stop(ctx, "WO-001", ""))
}

// TestCanTransition はライフサイクル遷移テーブルのテスト
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    WorkOrderState
		to      WorkOrderState
		allowed bool
	}{
		{StateDraft, StateNotStarted, true},
		{StateDraft, StateInProcess, false},
		{StateNotStarted, StateInProcess, true},
		{StateNotStarted, StateStopped, true},
		{StateNotStarted, StateClosed, true},
		{StateInProcess, StateCompleted, true},
		{StateInProcess, StateNotStarted, true},
		{StateCompleted, StateClosed, true},
		{StateCompleted, StateInProcess, true},
		{StateCompleted, StateNotStarted, false},
		{StateStopped, StateInProcess, false},
		{StateClosed, StateNotStarted, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.allowed, canTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

// TestTracker_FinishedGoodsBatchTracking はバッチ追跡完成品の自動採番のテスト
func TestTracker_FinishedGoodsBatchTracking(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)
	tracker.RegisterItem(&Item{ID: "FG-ITEM", Name: "完成品", Tracking: TrackingBatch})

	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行
	event, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(5), decimal.Zero)
	assert.NoError(t, err)

	// アサーション - 完成品計上の移動に新規バッチが採番される
	fgMovement, err := ledger.GetMovement(ctx, event.MovementIDs[len(event.MovementIDs)-1])
	assert.NoError(t, err)
	assert.Equal(t, MovementManufacture, fgMovement.Type)
	assert.NotNil(t, fgMovement.BatchID)

	batchQty, _, _ := ledger.Balance(ctx, "FG-ITEM", "FG-WH", fgMovement.BatchID)
	assert.True(t, batchQty.Equal(decimal.NewFromInt(5)))
}

// TestTracker_FinishedGoodsSerialTracking はシリアル追跡完成品の自動採番のテスト
func TestTracker_FinishedGoodsSerialTracking(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)
	tracker.RegisterItem(&Item{ID: "FG-ITEM", Name: "完成品", Tracking: TrackingSerial})

	order := newTestOrder("WO-001", 3, 3, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行
	_, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(3), decimal.Zero)
	assert.NoError(t, err)

	// アサーション - 1単位ずつ個別のシリアルが発番される
	serials, err := ledger.SerialsOnHand(ctx, "FG-ITEM", "FG-WH")
	assert.NoError(t, err)
	assert.Len(t, serials, 3)
}

// TestTracker_SerialFinishedGoodsRejectsFraction はシリアル追跡完成品の小数完成数量拒否のテスト
func TestTracker_SerialFinishedGoodsRejectsFraction(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)
	tracker.RegisterItem(&Item{ID: "FG-ITEM", Name: "完成品", Tracking: TrackingSerial})

	order := newTestOrder("WO-001", 3, 3, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行 - シリアルは1単位ごとに発番されるため小数は受け付けない
	_, err := tracker.RecordManufacture(ctx, "WO-001", decimal.RequireFromString("2.5"), decimal.Zero)

	// アサーション - 記帳も状態遷移も起きない
	assert.IsType(t, &ValidationError{}, err)
	assert.Equal(t, StateNotStarted, order.State)
	assert.True(t, order.ProducedQty.IsZero())
}

// TestTracker_SerialComponentFlow はシリアル追跡構成品目の振替と消費のテスト
func TestTracker_SerialComponentFlow(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	// 払出元にシリアル単位で受け入れる
	for _, sn := range []string{"SN-001", "SN-002"} {
		serial := sn
		_, err := ledger.PostMovement(ctx, &Movement{
			Type:      MovementReconciliation,
			ItemID:    "RM-ITEM",
			Warehouse: "RM-WH",
			SerialNo:  &serial,
			Qty:       decimal.NewFromInt(1),
			Rate:      decimal.NewFromInt(10),
		})
		assert.NoError(t, err)
	}

	order := newTestOrder("WO-001", 2, 2, PolicyMaterialTransferredForManufacture)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))

	// テスト実行 - シリアル指定の振替
	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(2), Rate: decimal.NewFromInt(10), SerialNos: []string{"SN-001", "SN-002"}},
	})
	assert.NoError(t, err)

	wipSerials, _ := ledger.SerialsOnHand(ctx, "RM-ITEM", "WIP-WH")
	assert.Equal(t, []string{"SN-001", "SN-002"}, wipSerials)

	// バックフラッシュでシリアル単位が受入順に消費される
	_, err = tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(2), decimal.Zero)
	assert.NoError(t, err)

	wipSerials, _ = ledger.SerialsOnHand(ctx, "RM-ITEM", "WIP-WH")
	assert.Empty(t, wipSerials)
	assert.True(t, order.Components[0].ConsumedQty.Equal(decimal.NewFromInt(2)))
}

// TestTracker_PersistsDocuments は永続ストアへの保存のテスト
func TestTracker_PersistsDocuments(t *testing.T) {
	mockStore := new(MockDocumentStore)
	logger := zap.NewNop()
	ledger := NewLedger(nil, nil, logger)
	tracker := NewTracker(ledger, NewAllocator(logger), nil, nil, mockStore, logger, nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 20, 5)

	// モックの期待値設定
	mockStore.On("SaveWorkOrder", ctx, mock.AnythingOfType("*manufacturing.WorkOrder")).Return(nil)
	mockStore.On("SaveEvent", ctx, mock.AnythingOfType("*manufacturing.OrderEvent")).Return(nil)

	// テスト実行
	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))
	_, err := tracker.RecordTransfer(ctx, "WO-001", []TransferLine{
		{ItemID: "RM-ITEM", Qty: decimal.NewFromInt(10), Rate: decimal.NewFromInt(5)},
	})

	// アサーション
	assert.NoError(t, err)
	mockStore.AssertExpectations(t)
}

// TestTracker_PublishesEvents は状態遷移と製造イベントの発行のテスト
func TestTracker_PublishesEvents(t *testing.T) {
	mockPublisher := new(MockEventPublisher)
	logger := zap.NewNop()
	ledger := NewLedger(nil, nil, logger)
	tracker := NewTracker(ledger, NewAllocator(logger), nil, mockPublisher, nil, logger, nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 100, 50)

	// モックの期待値設定
	mockPublisher.On("PublishOrderStateChanged", ctx, mock.AnythingOfType("OrderStateChangedEvent")).Return(nil)
	mockPublisher.On("PublishManufactureRecorded", ctx, mock.AnythingOfType("ManufactureRecordedEvent")).Return(nil)

	// テスト実行
	order := newTestOrder("WO-001", 10, 10, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, order))
	assert.NoError(t, tracker.Submit(ctx, "WO-001"))
	_, err := tracker.RecordManufacture(ctx, "WO-001", decimal.NewFromInt(5), decimal.Zero)

	// アサーション
	assert.NoError(t, err)
	mockPublisher.AssertCalled(t, "PublishManufactureRecorded", ctx, mock.AnythingOfType("ManufactureRecordedEvent"))
}

// TestTracker_GetOrderNotFound は存在しない指図の照会のテスト
func TestTracker_GetOrderNotFound(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	_, err := tracker.GetOrder(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = tracker.GetEvent(context.Background(), "no-such-event")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

// TestTracker_ConcurrentOrders は別指図の並行記帳と再構築の安全性のテスト
func TestTracker_ConcurrentOrders(t *testing.T) {
	tracker, ledger := newTestTracker(nil)
	ctx := context.Background()

	seedStock(t, ledger, "RM-ITEM", "RM-WH", 1000, 5)

	orderA := newTestOrder("WO-A", 100, 100, PolicyBOM)
	orderB := newTestOrder("WO-B", 100, 100, PolicyBOM)
	assert.NoError(t, tracker.CreateOrder(ctx, orderA))
	assert.NoError(t, tracker.CreateOrder(ctx, orderB))
	assert.NoError(t, tracker.Submit(ctx, "WO-A"))
	assert.NoError(t, tracker.Submit(ctx, "WO-B"))

	// テスト実行 - 一方の指図の記帳と他方のイベントログ走査を並行実行する
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := tracker.RecordManufacture(ctx, "WO-A", decimal.NewFromInt(1), decimal.Zero)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, tracker.RebuildCounters(ctx, "WO-B"))
		}
	}()
	wg.Wait()

	// アサーション
	assert.True(t, orderA.ProducedQty.Equal(decimal.NewFromInt(20)))
	assert.True(t, orderB.ProducedQty.IsZero())
}
