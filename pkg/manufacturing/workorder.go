package manufacturing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds configuration for the manufacturing engine
// 製造エンジンの設定を保持
type Config struct {
	AllowNegativeStock   bool    `yaml:"allow_negative_stock"`   // バッチ追跡消費での負の在庫を許可
	MaterialConsumption  bool    `yaml:"material_consumption"`   // 明示的な材料消費を許可
	OverProductionFactor float64 `yaml:"over_production_factor"` // 超過生産許容係数のデフォルト
	Currency             string  `yaml:"currency"`               // 会社のデフォルト通貨
	DeferThreshold       int     `yaml:"defer_threshold"`        // 棚卸調整の遅延実行しきい値（行数）
}

// DefaultConfig returns the default engine configuration
// エンジンのデフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		AllowNegativeStock:   false,
		MaterialConsumption:  false,
		OverProductionFactor: 1.0,
		Currency:             "JPY",
		DeferThreshold:       100,
	}
}

// stateTransitions is the validated lifecycle transition table
// 検証済みのライフサイクル状態遷移テーブル
var stateTransitions = map[WorkOrderState][]WorkOrderState{
	StateDraft:      {StateNotStarted},
	StateNotStarted: {StateInProcess, StateStopped, StateClosed},
	StateInProcess:  {StateCompleted, StateStopped, StateClosed, StateNotStarted},
	StateCompleted:  {StateClosed, StateInProcess},
	StateStopped:    {},
	StateClosed:     {},
}

// canTransition reports whether the lifecycle transition is legal
// ライフサイクル遷移が合法か判定
func canTransition(from, to WorkOrderState) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker implements the WorkOrderTracker interface
// WorkOrderTrackerインターフェースの実装
//
// 構成品目のカウンタはイベントログからの射影であり、RebuildCountersで再構築できる。
type Tracker struct {
	ledger    *Ledger         // 数量元帳
	allocator *Allocator      // バッチ/シリアルアロケーター
	capacity  CapacityPlanner // 能力計画コラボレーター（任意）
	publisher EventPublisher  // イベント発行者（任意）
	store     DocumentStore   // 永続ストア（任意）
	logger    *zap.Logger     // ログ
	config    *Config         // 設定

	mu          sync.Mutex
	items       map[string]*Item
	orders      map[string]*WorkOrder
	events      map[string]*OrderEvent
	orderEvents map[string][]*OrderEvent
	units       map[string]map[string][]*TrackedUnit // 指図ID -> 商品ID -> 単位
	orderLocks  map[string]*sync.Mutex
	receiptSeq  int64
}

// インターフェース実装を明示
var _ WorkOrderTracker = (*Tracker)(nil)

// NewTracker creates a new work order tracker
// 新しい製造指図トラッカーを作成
func NewTracker(ledger *Ledger, allocator *Allocator, capacity CapacityPlanner, publisher EventPublisher, store DocumentStore, logger *zap.Logger, config *Config) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Tracker{
		ledger:      ledger,
		allocator:   allocator,
		capacity:    capacity,
		publisher:   publisher,
		store:       store,
		logger:      logger,
		config:      config,
		items:       make(map[string]*Item),
		orders:      make(map[string]*WorkOrder),
		events:      make(map[string]*OrderEvent),
		orderEvents: make(map[string][]*OrderEvent),
		units:       make(map[string]map[string][]*TrackedUnit),
		orderLocks:  make(map[string]*sync.Mutex),
	}
}

// RegisterItem registers item master data with the tracker
// 商品マスタデータをトラッカーに登録
func (t *Tracker) RegisterItem(item *Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[item.ID] = item
}

// GetItem returns registered item master data
// 登録済みの商品マスタデータを取得
func (t *Tracker) GetItem(itemID string) (*Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// CreateOrder registers a new draft work order
// 新しい下書き製造指図を登録
func (t *Tracker) CreateOrder(ctx context.Context, order *WorkOrder) error {
	if err := ValidateOrderID(order.ID); err != nil {
		return err
	}
	if order.PlannedQty.Sign() <= 0 {
		return NewValidationError("planned_qty", "計画数量は正の値である必要があります", order.PlannedQty.String())
	}
	if len(order.Components) == 0 {
		return NewValidationError("components", "構成品目が指定されていません", "")
	}

	t.mu.Lock()
	if _, exists := t.orders[order.ID]; exists {
		t.mu.Unlock()
		return ErrDuplicateOrder
	}

	order.State = StateDraft
	if order.OverProductionFactor.IsZero() {
		order.OverProductionFactor = decimal.NewFromFloat(t.config.OverProductionFactor)
	}
	for _, c := range order.Components {
		if item, ok := t.items[c.ItemID]; ok && c.QtyPrecision == 0 {
			c.QtyPrecision = item.QtyPrecision
		}
	}
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	t.orders[order.ID] = order
	t.units[order.ID] = make(map[string][]*TrackedUnit)
	t.orderLocks[order.ID] = &sync.Mutex{}
	t.mu.Unlock()

	t.persistOrder(ctx, order)

	t.logger.Info("製造指図を作成しました",
		zap.String("order_id", order.ID),
		zap.String("item_id", order.ItemID),
		zap.String("planned_qty", order.PlannedQty.String()),
		zap.String("policy", string(order.Policy)),
	)

	return nil
}

// Submit validates the target item, runs the capacity check and submits the order
// 対象商品を検証し、能力チェックを実行して指図を提出
//
// 能力チェックは元帳記帳より前に行われ、失敗時は一切の副作用を残さない。
func (t *Tracker) Submit(ctx context.Context, orderID string) error {
	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return err
	}
	defer unlock()

	// 対象商品の状態チェック（構成品目処理の前に拒否）
	if item, ok := t.lookupItem(order.ItemID); ok {
		if item.Disabled {
			return &ItemStateError{ItemID: item.ID, Reason: "商品が無効化されています"}
		}
		if item.EndOfLife != nil && item.EndOfLife.Before(time.Now()) {
			return &ItemStateError{ItemID: item.ID, Reason: "商品は販売終了しています"}
		}
		if item.HasVariants {
			return &ItemStateError{ItemID: item.ID, Reason: "バリアントを持つテンプレート商品は製造できません"}
		}
	}

	// 能力計画チェック：エラーはそのまま呼び出し元へ伝播
	if t.capacity != nil {
		if err := t.capacity.CheckFits(ctx, order); err != nil {
			return err
		}
	}

	if err := t.transition(ctx, order, StateNotStarted, "submitted"); err != nil {
		return err
	}

	// 構成品目の製造用予約数量を設定
	for _, c := range order.Components {
		c.ReservedQty = c.RequiredQty
	}
	t.persistOrder(ctx, order)

	t.logger.Info("製造指図を提出しました",
		zap.String("order_id", order.ID),
		zap.String("planned_operating_cost", order.PlannedOperatingCost().String()),
	)
	return nil
}

// RecordTransfer posts a material transfer into the WIP warehouse
// 材料を仕掛品倉庫へ振り替える移動を記帳
func (t *Tracker) RecordTransfer(ctx context.Context, orderID string, lines []TransferLine) (*OrderEvent, error) {
	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if order.State != StateNotStarted && order.State != StateInProcess {
		return nil, &StateTransitionError{OrderID: order.ID, From: order.State, To: StateInProcess}
	}
	if len(lines) == 0 {
		return nil, NewValidationError("lines", "振替行が指定されていません", "")
	}

	event := t.newEvent(order, EventTransfer)

	var movements []*Movement
	var adds []*TrackedUnit

	for _, line := range lines {
		if line.Qty.Sign() <= 0 {
			return nil, NewValidationError("qty", "振替数量は正の値である必要があります", line.Qty.String())
		}
		comp := order.Component(line.ItemID)
		if comp == nil {
			return nil, NewValidationError("item_id", "指図の構成品目に含まれていません", line.ItemID)
		}

		if len(line.SerialNos) > 0 {
			// シリアルは1単位ずつ個別の移動対として記帳
			for _, sn := range line.SerialNos {
				serial := sn
				one := decimal.NewFromInt(1)
				movements = append(movements,
					t.movement(MovementTransfer, line.ItemID, comp.SourceWarehouse, line.BatchID, &serial, one.Neg(), line.Rate, event.ID, false),
					t.movement(MovementTransfer, line.ItemID, order.WIPWarehouse, line.BatchID, &serial, one, line.Rate, event.ID, false),
				)
				adds = append(adds, &TrackedUnit{
					ID:             serial,
					Kind:           UnitKindSerial,
					ItemID:         line.ItemID,
					TransferredQty: one,
					Rate:           line.Rate,
				})
			}
		} else {
			movements = append(movements,
				t.movement(MovementTransfer, line.ItemID, comp.SourceWarehouse, line.BatchID, nil, line.Qty.Neg(), line.Rate, event.ID, false),
				t.movement(MovementTransfer, line.ItemID, order.WIPWarehouse, line.BatchID, nil, line.Qty, line.Rate, event.ID, false),
			)
			unit := &TrackedUnit{
				Kind:           UnitKindNone,
				ItemID:         line.ItemID,
				TransferredQty: line.Qty,
				Rate:           line.Rate,
			}
			if line.BatchID != nil {
				unit.ID = *line.BatchID
				unit.Kind = UnitKindBatch
			}
			adds = append(adds, unit)
		}
	}

	// 全移動をアトミックに記帳：失敗時は副作用なし
	ids, err := t.ledger.PostMovements(ctx, movements)
	if err != nil {
		return nil, err
	}
	event.MovementIDs = ids

	// カウンタと引当単位を更新
	for _, line := range lines {
		comp := order.Component(line.ItemID)
		comp.TransferredQty = comp.TransferredQty.Add(line.Qty)
		event.ComponentQtys[line.ItemID] = event.ComponentQtys[line.ItemID].Add(line.Qty)
	}
	for _, unit := range adds {
		t.registerUnit(order.ID, unit, event)
	}

	if order.State == StateNotStarted {
		if err := t.transition(ctx, order, StateInProcess, "first transfer"); err != nil {
			return nil, err
		}
	}

	t.recordEvent(ctx, order, event)

	t.logger.Info("材料振替を記帳しました",
		zap.String("order_id", order.ID),
		zap.String("event_id", event.ID),
		zap.Int("line_count", len(lines)),
	)

	return event, nil
}

// RecordManufacture backflushes raw materials and credits finished goods
// 原材料をバックフラッシュし、完成品を計上
//
// イベント内の全ステップ（引当→払出→完成品計上→カウンタ更新）は
// 1単位としてコミットされ、途中失敗は事前状態を保つ。
func (t *Tracker) RecordManufacture(ctx context.Context, orderID string, finishedQty, scrapQty decimal.Decimal) (*OrderEvent, error) {
	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if order.State != StateNotStarted && order.State != StateInProcess {
		return nil, &StateTransitionError{OrderID: order.ID, From: order.State, To: StateInProcess}
	}
	if finishedQty.Sign() <= 0 {
		return nil, NewValidationError("finished_qty", "完成数量は正の値である必要があります", finishedQty.String())
	}

	// シリアル追跡完成品は1単位ごとに採番するため整数のみ受け付ける
	fgItem, _ := t.lookupItem(order.ItemID)
	if fgItem != nil && fgItem.Tracking.HasSerial() && !finishedQty.IsInteger() {
		return nil, NewValidationError("finished_qty", "シリアル追跡品目の完成数量は整数である必要があります", finishedQty.String())
	}

	capQty := order.ProductionCap()

	// 事前チェック：計画時点のカウンタに対する助言的な上限確認
	if order.ProducedQty.Add(finishedQty).GreaterThan(capQty) {
		return nil, &OverProductionError{
			OrderID:   order.ID,
			Requested: order.ProducedQty.Add(finishedQty).String(),
			Cap:       capQty.String(),
		}
	}

	// 確定チェック：記帳済みイベントから再計算した製造数量に対する上限確認
	// 計画時点と記帳時点の競合を防ぐ、独立した第二の権威的チェック
	posted := t.postedProducedQty(order.ID)
	if posted.Add(finishedQty).GreaterThan(capQty) {
		return nil, &StockOverProductionError{
			OrderID:   order.ID,
			Requested: posted.Add(finishedQty).String(),
			Cap:       capQty.String(),
		}
	}

	policy := PolicyFor(order.Policy)
	event := t.newEvent(order, EventManufacture)
	event.FinishedQty = finishedQty
	event.ScrapQty = scrapQty

	var movements []*Movement
	consumedValue := decimal.Zero
	type compPlan struct {
		comp     *RequiredItem
		expected decimal.Decimal
		plan     *AllocationPlan
	}
	var plans []compPlan

	for _, comp := range order.Components {
		expected := policy.ExpectedQty(order, comp, finishedQty)
		if expected.Sign() <= 0 {
			continue
		}

		plan := t.allocator.Plan(t.unitsFor(order.ID, comp.ItemID), expected)
		for _, e := range plan.Entries {
			batchID, serialNo := unitRefs(e.Unit)
			movements = append(movements, t.movement(MovementConsumption, comp.ItemID, order.WIPWarehouse, batchID, serialNo, e.Qty.Neg(), e.Unit.Rate, event.ID, t.config.AllowNegativeStock))
			consumedValue = consumedValue.Add(e.Qty.Mul(e.Unit.Rate))
		}

		if plan.Shortfall.Sign() > 0 {
			shortQty := plan.Shortfall
			switch {
			case policy.AllowsImplicitTransfer():
				// BOMポリシー：不足分は払出元倉庫からの暗黙の追加払出
				rate, err := t.resolveIssueRate(ctx, comp.ItemID, comp.SourceWarehouse)
				if err != nil {
					return nil, err
				}
				movements = append(movements, t.movement(MovementConsumption, comp.ItemID, comp.SourceWarehouse, nil, nil, shortQty.Neg(), rate, event.ID, t.config.AllowNegativeStock))
				consumedValue = consumedValue.Add(shortQty.Mul(rate))
			case t.config.MaterialConsumption:
				// 材料消費モード：負の在庫フラグ付きで超過払出を許可
				rate, err := t.resolveIssueRate(ctx, comp.ItemID, order.WIPWarehouse)
				if err != nil {
					return nil, err
				}
				movements = append(movements, t.movement(MovementConsumption, comp.ItemID, order.WIPWarehouse, nil, nil, shortQty.Neg(), rate, event.ID, true))
				consumedValue = consumedValue.Add(shortQty.Mul(rate))
			default:
				return nil, &InsufficientStockError{
					ItemID:    comp.ItemID,
					Warehouse: order.WIPWarehouse,
					Requested: expected.String(),
					Available: plan.AllocatedQty().String(),
				}
			}
		}

		plans = append(plans, compPlan{comp: comp, expected: expected, plan: plan})
		event.Allocations[comp.ItemID] = plan
		event.ComponentQtys[comp.ItemID] = expected
	}

	// 完成品の評価レート = (消費原材料価値 + 作業原価) / 完成数量
	operatingCost := order.OperatingCostPerUnit.Mul(finishedQty)
	fgRate := consumedValue.Add(operatingCost).Div(finishedQty)

	movements = append(movements, t.finishedGoodsMovements(order, fgItem, finishedQty, fgRate, event)...)

	// 全移動をアトミックに記帳
	ids, err := t.ledger.PostMovements(ctx, movements)
	if err != nil {
		return nil, err
	}
	event.MovementIDs = ids

	// カウンタ更新：引当の適用、消費・予約・製造数量
	for _, cp := range plans {
		t.allocator.Apply(cp.plan)
		cp.comp.ConsumedQty = cp.comp.ConsumedQty.Add(cp.expected)
		cp.comp.ReservedQty = decimal.Max(decimal.Zero, cp.comp.ReservedQty.Sub(cp.expected))
	}
	order.ProducedQty = order.ProducedQty.Add(finishedQty)

	if order.State == StateNotStarted {
		if err := t.transition(ctx, order, StateInProcess, "manufacture"); err != nil {
			return nil, err
		}
	}
	if order.ProducedQty.GreaterThanOrEqual(order.PlannedQty) {
		event.Completed = true
		if err := t.transition(ctx, order, StateCompleted, "planned quantity produced"); err != nil {
			return nil, err
		}
	}

	t.recordEvent(ctx, order, event)
	manufacturesRecorded.Inc()

	if t.publisher != nil {
		if err := t.publisher.PublishManufactureRecorded(ctx, ManufactureRecordedEvent{
			OrderID:     order.ID,
			EventID:     event.ID,
			FinishedQty: finishedQty,
			ProducedQty: order.ProducedQty,
			Timestamp:   time.Now(),
		}); err != nil {
			t.logger.Error("製造イベント発行に失敗しました", zap.Error(err))
		}
	}

	t.logger.Info("製造を記帳しました",
		zap.String("order_id", order.ID),
		zap.String("event_id", event.ID),
		zap.String("finished_qty", finishedQty.String()),
		zap.String("produced_qty", order.ProducedQty.String()),
		zap.String("fg_rate", fgRate.String()),
	)

	return event, nil
}

// RecordConsumption posts an explicit non-backflush issue of extra or substitute material
// バックフラッシュ外の追加・代替材料の明示的な払出を記帳
func (t *Tracker) RecordConsumption(ctx context.Context, orderID string, lines []TransferLine) (*OrderEvent, error) {
	if !t.config.MaterialConsumption {
		return nil, ErrConsumptionNotAllowed
	}

	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if order.State != StateInProcess {
		return nil, &StateTransitionError{OrderID: order.ID, From: order.State, To: StateInProcess}
	}

	event := t.newEvent(order, EventConsumption)

	var movements []*Movement
	var applied []*AllocationPlan

	for _, line := range lines {
		if line.Qty.Sign() <= 0 {
			return nil, NewValidationError("qty", "消費数量は正の値である必要があります", line.Qty.String())
		}
		comp := order.Component(line.ItemID)
		if comp == nil {
			return nil, NewValidationError("item_id", "指図の構成品目に含まれていません", line.ItemID)
		}

		plan := t.allocator.Plan(t.unitsFor(order.ID, comp.ItemID), line.Qty)
		for _, e := range plan.Entries {
			batchID, serialNo := unitRefs(e.Unit)
			movements = append(movements, t.movement(MovementConsumption, comp.ItemID, order.WIPWarehouse, batchID, serialNo, e.Qty.Neg(), e.Unit.Rate, event.ID, true))
		}
		if plan.Shortfall.Sign() > 0 {
			// 振替超過分の払出：負の在庫フラグ付きで許可
			rate, err := t.resolveIssueRate(ctx, comp.ItemID, order.WIPWarehouse)
			if err != nil {
				return nil, err
			}
			movements = append(movements, t.movement(MovementConsumption, comp.ItemID, order.WIPWarehouse, nil, nil, plan.Shortfall.Neg(), rate, event.ID, true))
		}

		applied = append(applied, plan)
		event.Allocations[line.ItemID] = plan
		event.ComponentQtys[line.ItemID] = event.ComponentQtys[line.ItemID].Add(line.Qty)
	}

	ids, err := t.ledger.PostMovements(ctx, movements)
	if err != nil {
		return nil, err
	}
	event.MovementIDs = ids

	for _, plan := range applied {
		t.allocator.Apply(plan)
	}
	for _, line := range lines {
		comp := order.Component(line.ItemID)
		comp.ConsumedQty = comp.ConsumedQty.Add(line.Qty)
	}

	t.recordEvent(ctx, order, event)

	t.logger.Info("材料消費を記帳しました",
		zap.String("order_id", order.ID),
		zap.String("event_id", event.ID),
		zap.Int("line_count", len(lines)),
	)

	return event, nil
}

// RecordReturn credits unconsumed transferred surplus back to the source warehouses
// 未消費の振替超過分を払出元倉庫へ返却する移動を記帳
func (t *Tracker) RecordReturn(ctx context.Context, orderID string) (*OrderEvent, error) {
	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if order.State != StateCompleted && order.State != StateStopped {
		return nil, &StateTransitionError{OrderID: order.ID, From: order.State, To: StateCompleted}
	}

	event := t.newEvent(order, EventReturn)

	var movements []*Movement
	var applied []*AllocationPlan

	for _, comp := range order.Components {
		surplus := comp.TransferredQty.Sub(comp.ConsumedQty).Sub(comp.ReturnedQty)
		if surplus.IsNegative() {
			return nil, NewValidationError("surplus", "返却数量が負になっています", surplus.String())
		}
		if surplus.IsZero() {
			continue
		}

		// 残存単位から返却し、バッチ/シリアルの同一性を保つ
		plan := t.allocator.Plan(t.unitsFor(order.ID, comp.ItemID), surplus)
		for _, e := range plan.Entries {
			batchID, serialNo := unitRefs(e.Unit)
			movements = append(movements,
				t.movement(MovementReturn, comp.ItemID, order.WIPWarehouse, batchID, serialNo, e.Qty.Neg(), e.Unit.Rate, event.ID, false),
				t.movement(MovementReturn, comp.ItemID, comp.SourceWarehouse, batchID, serialNo, e.Qty, e.Unit.Rate, event.ID, false),
			)
		}
		if plan.Shortfall.Sign() > 0 {
			rate, err := t.resolveIssueRate(ctx, comp.ItemID, order.WIPWarehouse)
			if err != nil {
				return nil, err
			}
			movements = append(movements,
				t.movement(MovementReturn, comp.ItemID, order.WIPWarehouse, nil, nil, plan.Shortfall.Neg(), rate, event.ID, false),
				t.movement(MovementReturn, comp.ItemID, comp.SourceWarehouse, nil, nil, plan.Shortfall, rate, event.ID, false),
			)
		}

		applied = append(applied, plan)
		event.Allocations[comp.ItemID] = plan
		event.ComponentQtys[comp.ItemID] = surplus
	}

	if len(movements) == 0 {
		return nil, NewValidationError("surplus", "返却可能な未消費材料がありません", "0")
	}

	ids, err := t.ledger.PostMovements(ctx, movements)
	if err != nil {
		return nil, err
	}
	event.MovementIDs = ids

	for _, plan := range applied {
		t.allocator.Apply(plan)
	}
	for itemID, qty := range event.ComponentQtys {
		comp := order.Component(itemID)
		comp.ReturnedQty = comp.ReturnedQty.Add(qty)
	}

	t.recordEvent(ctx, order, event)

	t.logger.Info("未消費材料の返却を記帳しました",
		zap.String("order_id", order.ID),
		zap.String("event_id", event.ID),
	)

	return event, nil
}

// Close terminally closes a work order; no further manufacture events are accepted
// 製造指図を終端的にクローズする（以後の製造イベントは受け付けない）
func (t *Tracker) Close(ctx context.Context, orderID, reason string) error {
	if err := ValidateReason(reason); err != nil {
		return err
	}

	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := t.transition(ctx, order, StateClosed, reason); err != nil {
		return err
	}
	t.persistOrder(ctx, order)

	t.logger.Info("製造指図をクローズしました",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
	)
	return nil
}

// Stop halts a work order terminally; unconsumed material can still be returned
// 製造指図を終端的に停止する（未消費材料の返却は引き続き可能）
func (t *Tracker) Stop(ctx context.Context, orderID, reason string) error {
	if err := ValidateReason(reason); err != nil {
		return err
	}

	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := t.transition(ctx, order, StateStopped, reason); err != nil {
		return err
	}
	t.persistOrder(ctx, order)

	t.logger.Info("製造指図を停止しました",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
	)
	return nil
}

// CancelEvent reverses an event's movements in reverse chronological order
// イベントの移動を逆時系列順に取り消す
//
// 同一構成品目に依存する後続イベントが未キャンセルの場合は拒否し、
// 一時的な負残高の観測を防ぐ。二重キャンセルは明示的に拒否される。
func (t *Tracker) CancelEvent(ctx context.Context, eventID string) error {
	t.mu.Lock()
	event, ok := t.events[eventID]
	t.mu.Unlock()
	if !ok {
		return ErrEventNotFound
	}

	order, unlock, err := t.lockOrder(event.OrderID)
	if err != nil {
		return err
	}
	defer unlock()

	if event.Cancelled {
		return ErrEventAlreadyCancelled
	}

	// 後続の依存イベントのチェック
	for _, later := range t.eventsFor(order.ID) {
		if later.Seq > event.Seq && !later.Cancelled && eventsOverlap(event, later) {
			return &CancellationOrderError{EventID: event.ID, DependentID: later.ID}
		}
	}

	// 逆時系列順に反対仕訳を記帳
	for i := len(event.MovementIDs) - 1; i >= 0; i-- {
		if _, err := t.ledger.ReverseMovement(ctx, event.MovementIDs[i]); err != nil {
			return err
		}
	}

	// イベントが加算したカウンタを減算
	switch event.Type {
	case EventTransfer:
		for itemID, qty := range event.ComponentQtys {
			comp := order.Component(itemID)
			comp.TransferredQty = comp.TransferredQty.Sub(qty)
		}
		t.releaseTransferredUnits(order.ID, event)
	case EventManufacture:
		for itemID, qty := range event.ComponentQtys {
			comp := order.Component(itemID)
			comp.ConsumedQty = comp.ConsumedQty.Sub(qty)
			comp.ReservedQty = comp.ReservedQty.Add(qty)
			if plan, ok := event.Allocations[itemID]; ok {
				t.allocator.Release(plan)
			}
		}
		order.ProducedQty = order.ProducedQty.Sub(event.FinishedQty)
		if event.Completed && order.State == StateCompleted {
			if err := t.transition(ctx, order, StateInProcess, "completing manufacture cancelled"); err != nil {
				return err
			}
		}
	case EventConsumption:
		for itemID, qty := range event.ComponentQtys {
			comp := order.Component(itemID)
			comp.ConsumedQty = comp.ConsumedQty.Sub(qty)
			if plan, ok := event.Allocations[itemID]; ok {
				t.allocator.Release(plan)
			}
		}
	case EventReturn:
		for itemID, qty := range event.ComponentQtys {
			comp := order.Component(itemID)
			comp.ReturnedQty = comp.ReturnedQty.Sub(qty)
			if plan, ok := event.Allocations[itemID]; ok {
				t.allocator.Release(plan)
			}
		}
	}

	event.Cancelled = true
	t.persistEvent(ctx, event)

	// アクティブなイベントが残っていなければ未着手状態へ戻す
	if order.State == StateInProcess && !t.hasActiveEvents(order.ID) {
		if err := t.transition(ctx, order, StateNotStarted, "all events cancelled"); err != nil {
			return err
		}
	}
	t.persistOrder(ctx, order)
	eventsCancelled.Inc()

	t.logger.Info("製造イベントをキャンセルしました",
		zap.String("order_id", order.ID),
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
	)

	return nil
}

// GetOrder returns a work order by ID
// IDで製造指図を取得
func (t *Tracker) GetOrder(ctx context.Context, orderID string) (*WorkOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// GetEvent returns an order event by ID
// IDで製造イベントを取得
func (t *Tracker) GetEvent(ctx context.Context, eventID string) (*OrderEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	event, ok := t.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return event, nil
}

// RebuildCounters recomputes the component counters by replaying active events
// アクティブなイベントのリプレイにより構成品目カウンタを再計算
//
// カウンタはイベントログからの射影であり、乖離検出時はこの再構築が真実となる。
func (t *Tracker) RebuildCounters(ctx context.Context, orderID string) error {
	order, unlock, err := t.lockOrder(orderID)
	if err != nil {
		return err
	}
	defer unlock()

	for _, comp := range order.Components {
		comp.TransferredQty = decimal.Zero
		comp.ConsumedQty = decimal.Zero
		comp.ReturnedQty = decimal.Zero
	}
	order.ProducedQty = decimal.Zero

	for _, event := range t.eventsFor(order.ID) {
		if event.Cancelled {
			continue
		}
		for itemID, qty := range event.ComponentQtys {
			comp := order.Component(itemID)
			if comp == nil {
				continue
			}
			switch event.Type {
			case EventTransfer:
				comp.TransferredQty = comp.TransferredQty.Add(qty)
			case EventManufacture, EventConsumption:
				comp.ConsumedQty = comp.ConsumedQty.Add(qty)
			case EventReturn:
				comp.ReturnedQty = comp.ReturnedQty.Add(qty)
			}
		}
		if event.Type == EventManufacture {
			order.ProducedQty = order.ProducedQty.Add(event.FinishedQty)
		}
	}

	t.persistOrder(ctx, order)

	t.logger.Info("カウンタを再構築しました", zap.String("order_id", order.ID))
	return nil
}

// ヘルパーメソッド

// lockOrder acquires the per-order lock and returns the order
// 指図ごとのロックを取得して指図を返す
func (t *Tracker) lockOrder(orderID string) (*WorkOrder, func(), error) {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return nil, nil, ErrOrderNotFound
	}
	lock := t.orderLocks[orderID]
	t.mu.Unlock()

	lock.Lock()
	return order, lock.Unlock, nil
}

// unitsFor returns the allocation snapshot for one component of an order
// 指図の1構成品目の引当スナップショットを返す
func (t *Tracker) unitsFor(orderID, itemID string) []*TrackedUnit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.units[orderID][itemID]
}

// eventsFor returns a snapshot of the order's event log
// 指図のイベントログのスナップショットを返す
func (t *Tracker) eventsFor(orderID string) []*OrderEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*OrderEvent(nil), t.orderEvents[orderID]...)
}

// lookupItem returns registered item master data without failing
// 登録済み商品マスタを取得（未登録時はfalse）
func (t *Tracker) lookupItem(itemID string) (*Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[itemID]
	return item, ok
}

// transition applies a validated lifecycle transition
// 検証済みのライフサイクル遷移を適用
func (t *Tracker) transition(ctx context.Context, order *WorkOrder, to WorkOrderState, reason string) error {
	if !canTransition(order.State, to) {
		return &StateTransitionError{OrderID: order.ID, From: order.State, To: to}
	}
	from := order.State
	order.State = to
	order.UpdatedAt = time.Now()

	if t.publisher != nil {
		if err := t.publisher.PublishOrderStateChanged(ctx, OrderStateChangedEvent{
			OrderID:   order.ID,
			OldState:  from,
			NewState:  to,
			Reason:    reason,
			Timestamp: time.Now(),
		}); err != nil {
			t.logger.Error("状態遷移イベント発行に失敗しました", zap.Error(err))
		}
	}
	return nil
}

// newEvent creates a new order event with the next per-order sequence
// 指図内の次シーケンスで新しいイベントを作成
func (t *Tracker) newEvent(order *WorkOrder, eventType EventType) *OrderEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &OrderEvent{
		ID:            NewEventID(),
		OrderID:       order.ID,
		Type:          eventType,
		Seq:           int64(len(t.orderEvents[order.ID])) + 1,
		ComponentQtys: make(map[string]decimal.Decimal),
		Allocations:   make(map[string]*AllocationPlan),
		CreatedAt:     time.Now(),
	}
}

// recordEvent registers a posted event and persists it
// 記帳済みイベントを登録して永続化
func (t *Tracker) recordEvent(ctx context.Context, order *WorkOrder, event *OrderEvent) {
	t.mu.Lock()
	t.events[event.ID] = event
	t.orderEvents[order.ID] = append(t.orderEvents[order.ID], event)
	t.mu.Unlock()

	t.persistEvent(ctx, event)
	t.persistOrder(ctx, order)
}

// registerUnit adds a transferred unit to the order's allocation snapshot
// 振替済み単位を指図の引当スナップショットへ追加
func (t *Tracker) registerUnit(orderID string, unit *TrackedUnit, event *OrderEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	units := t.units[orderID][unit.ItemID]
	if unit.Kind == UnitKindBatch {
		// 同一バッチへの追加振替は既存単位に合算
		for _, existing := range units {
			if existing.Kind == UnitKindBatch && existing.ID == unit.ID {
				existing.TransferredQty = existing.TransferredQty.Add(unit.TransferredQty)
				event.Allocations[unit.ItemID] = appendPlanEntry(event.Allocations[unit.ItemID], existing, unit.TransferredQty)
				return
			}
		}
	}

	t.receiptSeq++
	unit.ReceiptSeq = t.receiptSeq
	if unit.ID == "" {
		unit.ID = fmt.Sprintf("unit-%d", t.receiptSeq)
	}
	t.units[orderID][unit.ItemID] = append(units, unit)
	event.Allocations[unit.ItemID] = appendPlanEntry(event.Allocations[unit.ItemID], unit, unit.TransferredQty)
}

// releaseTransferredUnits removes the transferred quantities a cancelled transfer added
// キャンセルされた振替が追加した単位数量を取り戻す
func (t *Tracker) releaseTransferredUnits(orderID string, event *OrderEvent) {
	for _, plan := range event.Allocations {
		for _, e := range plan.Entries {
			e.Unit.TransferredQty = e.Unit.TransferredQty.Sub(e.Qty)
		}
	}
}

// hasActiveEvents reports whether any non-cancelled events remain
// 未キャンセルのイベントが残っているか判定
func (t *Tracker) hasActiveEvents(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.orderEvents[orderID] {
		if !e.Cancelled {
			return true
		}
	}
	return false
}

// postedProducedQty recomputes produced quantity from non-cancelled manufacture events
// 未キャンセルの製造イベントから製造数量を再計算
func (t *Tracker) postedProducedQty(orderID string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := decimal.Zero
	for _, e := range t.orderEvents[orderID] {
		if e.Type == EventManufacture && !e.Cancelled {
			total = total.Add(e.FinishedQty)
		}
	}
	return total
}

// movement builds one ledger movement for an event
// イベント用の元帳移動を1件構築
func (t *Tracker) movement(mType MovementType, itemID, warehouse string, batchID, serialNo *string, qty, rate decimal.Decimal, documentID string, allowNegative bool) *Movement {
	return &Movement{
		ID:                 NewMovementID(),
		Type:               mType,
		ItemID:             itemID,
		Warehouse:          warehouse,
		BatchID:            batchID,
		SerialNo:           serialNo,
		Qty:                qty,
		Rate:               rate,
		DocumentID:         documentID,
		AllowNegativeStock: allowNegative,
	}
}

// finishedGoodsMovements builds the production credit, with auto batch/serial creation
// 完成品計上の移動を構築（バッチ/シリアルの自動採番を含む）
func (t *Tracker) finishedGoodsMovements(order *WorkOrder, fgItem *Item, finishedQty, rate decimal.Decimal, event *OrderEvent) []*Movement {
	tracking := TrackingNone
	if fgItem != nil {
		tracking = fgItem.Tracking
	}

	switch tracking {
	case TrackingSerial, TrackingBatchSerial:
		// シリアル追跡：1単位ずつ自動採番して計上
		var batchID *string
		if tracking == TrackingBatchSerial {
			b := NewBatchID()
			batchID = &b
		}
		count := finishedQty.IntPart()
		movements := make([]*Movement, 0, count)
		for i := int64(0); i < count; i++ {
			serial := NewMovementID()
			movements = append(movements, t.movement(MovementManufacture, order.ItemID, order.TargetWarehouse, batchID, &serial, decimal.NewFromInt(1), rate, event.ID, false))
		}
		return movements
	case TrackingBatch:
		// バッチ追跡：完成品用の新規バッチを自動作成
		b := NewBatchID()
		return []*Movement{t.movement(MovementManufacture, order.ItemID, order.TargetWarehouse, &b, nil, finishedQty, rate, event.ID, false)}
	default:
		return []*Movement{t.movement(MovementManufacture, order.ItemID, order.TargetWarehouse, nil, nil, finishedQty, rate, event.ID, false)}
	}
}

// resolveIssueRate resolves the rate for a direct issue: current rate, then item default
// 直接払出のレート解決：現在レート、次に商品デフォルト
func (t *Tracker) resolveIssueRate(ctx context.Context, itemID, warehouse string) (decimal.Decimal, error) {
	rate, err := t.ledger.CurrentRate(ctx, itemID, warehouse, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if !rate.IsZero() {
		return rate, nil
	}
	if item, ok := t.lookupItem(itemID); ok && !item.DefaultRate.IsZero() {
		return item.DefaultRate, nil
	}
	return decimal.Zero, ErrValuationRequired
}

// persistOrder saves the order to the document store (failure logged only)
// 指図を永続ストアへ保存（失敗はログのみ）
func (t *Tracker) persistOrder(ctx context.Context, order *WorkOrder) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveWorkOrder(ctx, order); err != nil {
		t.logger.Error("製造指図の保存に失敗しました", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// persistEvent saves an event to the document store (failure logged only)
// イベントを永続ストアへ保存（失敗はログのみ）
func (t *Tracker) persistEvent(ctx context.Context, event *OrderEvent) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveEvent(ctx, event); err != nil {
		t.logger.Error("製造イベントの保存に失敗しました", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// unitRefs returns the batch/serial references for a tracked unit
// 追跡単位のバッチ/シリアル参照を返す
func unitRefs(unit *TrackedUnit) (*string, *string) {
	switch unit.Kind {
	case UnitKindBatch:
		id := unit.ID
		return &id, nil
	case UnitKindSerial:
		id := unit.ID
		return nil, &id
	default:
		return nil, nil
	}
}

// appendPlanEntry appends one entry to a plan, creating the plan if needed
// 計画にエントリを1件追加（必要に応じて計画を作成）
func appendPlanEntry(plan *AllocationPlan, unit *TrackedUnit, qty decimal.Decimal) *AllocationPlan {
	if plan == nil {
		plan = &AllocationPlan{Shortfall: decimal.Zero}
	}
	plan.Entries = append(plan.Entries, AllocationEntry{Unit: unit, Qty: qty})
	return plan
}

// eventsOverlap reports whether two events touch a shared component or the finished item
// 2つのイベントが共通の構成品目または完成品に触れるか判定
func eventsOverlap(a, b *OrderEvent) bool {
	if a.Type == EventManufacture && b.Type == EventManufacture {
		return true
	}
	for itemID := range a.ComponentQtys {
		if _, ok := b.ComponentQtys[itemID]; ok {
			return true
		}
	}
	return false
}
