package manufacturing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// deferredPostTimeout bounds a background reconciliation run
// 遅延実行される棚卸調整の実行時間上限
const deferredPostTimeout = 5 * time.Minute

// Reconciler diffs requested stock targets against computed balances
// and posts the minimal set of ledger movements to reach them
// 要求された在庫目標と算出残高を突合し、到達に必要な最小限の元帳移動を記帳する
type Reconciler struct {
	ledger    *Ledger
	catalog   ItemCatalog
	prices    PriceList
	valuation ValuationSource
	queue     BackgroundQueue
	publisher EventPublisher
	store     DocumentStore
	logger    *zap.Logger
	config    *Config

	mu      sync.Mutex
	records map[string]*ReconciliationRecord
}

// NewReconciler creates a new stock reconciler
// 新しい棚卸調整エンジンを作成
func NewReconciler(
	ledger *Ledger,
	catalog ItemCatalog,
	prices PriceList,
	valuation ValuationSource,
	queue BackgroundQueue,
	publisher EventPublisher,
	store DocumentStore,
	logger *zap.Logger,
	config *Config,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}

	return &Reconciler{
		ledger:    ledger,
		catalog:   catalog,
		prices:    prices,
		valuation: valuation,
		queue:     queue,
		publisher: publisher,
		store:     store,
		logger:    logger,
		config:    config,
	}
}

// Submit validates and posts a reconciliation record.
// Records above the configured line-count threshold are queued for
// background posting and acknowledged with a job ID instead.
// 棚卸調整レコードを検証して記帳する。
// 設定されたしきい値を超える行数のレコードはバックグラウンド記帳に
// 回され、ジョブIDによる受付応答が返る。
func (r *Reconciler) Submit(ctx context.Context, record *ReconciliationRecord) (*ReconciliationResult, error) {
	if record == nil {
		return nil, NewValidationError("record", "レコードが指定されていません", "")
	}
	if err := r.validate(record); err != nil {
		return nil, err
	}

	if record.ID == "" {
		record.ID = NewRecordID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.State = ReconciliationDraft

	r.mu.Lock()
	if r.records == nil {
		r.records = make(map[string]*ReconciliationRecord)
	}
	if _, exists := r.records[record.ID]; exists {
		r.mu.Unlock()
		return nil, NewValidationError("record_id", "同一IDのレコードが既に存在します", record.ID)
	}
	r.records[record.ID] = record
	r.mu.Unlock()

	// しきい値超過時はバックグラウンドで記帳
	if r.queue != nil && len(record.Lines) > r.config.DeferThreshold {
		record.State = ReconciliationQueued
		r.persist(ctx, record)

		jobID, err := r.queue.Enqueue(ctx, func(jobCtx context.Context) error {
			return r.postDeferred(jobCtx, record.ID)
		}, deferredPostTimeout)
		if err != nil {
			record.State = ReconciliationDraft
			return nil, fmt.Errorf("棚卸調整のバックグラウンド登録に失敗しました: %w", err)
		}

		r.logger.Info("棚卸調整をバックグラウンド実行に登録しました",
			zap.String("record_id", record.ID),
			zap.Int("line_count", len(record.Lines)),
			zap.String("job_id", jobID))

		return &ReconciliationResult{Mode: ModeDeferred, JobID: jobID}, nil
	}

	if err := r.post(ctx, record); err != nil {
		r.mu.Lock()
		delete(r.records, record.ID)
		r.mu.Unlock()
		return nil, err
	}

	reconciliationsPosted.WithLabelValues(string(ModeImmediate)).Inc()
	return &ReconciliationResult{Mode: ModeImmediate, Record: record}, nil
}

// Cancel posts the exact negation of each surviving line's movements
// and reverses any batch creation performed at submission time
// 残存行の移動の正確な反対仕訳を記帳し、記帳時に作成したバッチを取り消す
func (r *Reconciler) Cancel(ctx context.Context, recordID string) error {
	record, err := r.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}

	switch record.State {
	case ReconciliationCancelled:
		return ErrRecordAlreadyCancelled
	case ReconciliationPosted:
		// 続行
	default:
		return ErrRecordNotPosted
	}

	// 記帳と逆の順序で取り消す
	surviving := record.SurvivingLines()
	for i := len(surviving) - 1; i >= 0; i-- {
		line := surviving[i]
		for j := len(line.MovementIDs) - 1; j >= 0; j-- {
			if _, err := r.ledger.ReverseMovement(ctx, line.MovementIDs[j]); err != nil {
				return fmt.Errorf("棚卸調整移動の取消に失敗しました: %w", err)
			}
		}
		line.CreatedBatch = nil
	}

	record.State = ReconciliationCancelled
	r.persist(ctx, record)

	r.logger.Info("棚卸調整をキャンセルしました",
		zap.String("record_id", record.ID),
		zap.Int("line_count", len(surviving)))
	return nil
}

// GetRecord returns a reconciliation record by ID
// IDで棚卸調整レコードを取得
func (r *Reconciler) GetRecord(ctx context.Context, recordID string) (*ReconciliationRecord, error) {
	r.mu.Lock()
	record, ok := r.records[recordID]
	r.mu.Unlock()
	if ok {
		return record, nil
	}

	if r.store != nil {
		stored, err := r.store.GetReconciliation(ctx, recordID)
		if err == nil && stored != nil {
			return stored, nil
		}
	}
	return nil, ErrRecordNotFound
}

// validate performs structural validation before any posting
// 記帳前の構造バリデーションを実施
func (r *Reconciler) validate(record *ReconciliationRecord) error {
	if len(record.Lines) == 0 {
		return ErrEmptyReconciliation
	}

	seen := make(map[string]bool, len(record.Lines))
	for i, line := range record.Lines {
		if line.ItemID == "" {
			return NewValidationError("item_id", fmt.Sprintf("行%d: 商品IDが指定されていません", i+1), "")
		}
		if line.Warehouse == "" {
			return NewValidationError("warehouse", fmt.Sprintf("行%d: 倉庫が指定されていません", i+1), "")
		}
		if line.TargetQty == nil && line.TargetRate == nil && len(line.SerialNos) == 0 {
			return &AmbiguousTargetError{ItemID: line.ItemID, Warehouse: line.Warehouse}
		}
		if line.TargetQty != nil && line.TargetQty.IsNegative() {
			return NewValidationError("target_qty", "目標数量は負にできません", line.TargetQty.String())
		}
		if line.TargetRate != nil && line.TargetRate.IsNegative() {
			return NewValidationError("target_rate", "目標評価レートは負にできません", line.TargetRate.String())
		}

		key := ledgerKey(line.ItemID, line.Warehouse)
		if line.BatchID != nil {
			key += "|" + *line.BatchID
		}
		if seen[key] {
			return NewValidationError("lines", "同一対象への重複行があります", key)
		}
		seen[key] = true
	}
	return nil
}

// post resolves targets, filters no-op lines and atomically posts the deltas
// 目標を解決し、無変化行を除外して差分を一括記帳する
func (r *Reconciler) post(ctx context.Context, record *ReconciliationRecord) error {
	var movements []*Movement
	lineMovements := make(map[*ReconciliationLine][]*Movement)
	difference := decimal.Zero

	for _, line := range record.Lines {
		item, err := r.catalog.GetItem(line.ItemID)
		if err != nil {
			return fmt.Errorf("商品%sの解決に失敗しました: %w", line.ItemID, err)
		}
		line.QtyPrecision = item.QtyPrecision

		built, diff, err := r.buildLine(ctx, line, item)
		if err != nil {
			return err
		}
		if line.Dropped {
			continue
		}
		lineMovements[line] = built
		movements = append(movements, built...)
		difference = difference.Add(diff)
	}

	surviving := record.SurvivingLines()
	if len(surviving) == 0 {
		return ErrEmptyReconciliation
	}

	if _, err := r.ledger.PostMovements(ctx, movements); err != nil {
		return err
	}

	for line, built := range lineMovements {
		line.MovementIDs = make([]string, 0, len(built))
		for _, m := range built {
			line.MovementIDs = append(line.MovementIDs, m.ID)
		}
	}

	now := time.Now()
	record.DifferenceAmount = difference
	record.State = ReconciliationPosted
	record.PostedAt = &now
	r.persist(ctx, record)

	if r.publisher != nil {
		if err := r.publisher.PublishReconciliationPosted(ctx, ReconciliationPostedEvent{
			RecordID:         record.ID,
			LineCount:        len(surviving),
			DifferenceAmount: difference,
			Timestamp:        now,
		}); err != nil {
			r.logger.Warn("棚卸調整イベントの発行に失敗しました",
				zap.String("record_id", record.ID),
				zap.Error(err))
		}
	}

	r.logger.Info("棚卸調整を記帳しました",
		zap.String("record_id", record.ID),
		zap.Int("line_count", len(surviving)),
		zap.String("difference_amount", difference.String()))
	return nil
}

// buildLine resolves one line's targets and builds its signed delta movements.
// Serial-tracked lines diff the target serial set against the on-hand set.
// 1行の目標を解決し符号付き差分移動を構築する。
// シリアル追跡行は目標シリアル集合と手持集合の差分を取る。
func (r *Reconciler) buildLine(ctx context.Context, line *ReconciliationLine, item *Item) ([]*Movement, decimal.Decimal, error) {
	currentQty, currentValue, err := r.ledger.Balance(ctx, line.ItemID, line.Warehouse, line.BatchID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	currentRate := decimal.Zero
	if !currentQty.IsZero() {
		currentRate = currentValue.Div(currentQty)
	}
	line.CurrentQty = currentQty.Round(item.QtyPrecision)
	line.CurrentRate = currentRate

	// シリアル追跡行は目標集合の検証がレート解決に先行する
	if item.Tracking.HasSerial() {
		return r.buildSerialLine(ctx, line, item, currentRate)
	}

	targetQty := line.CurrentQty
	if line.TargetQty != nil {
		targetQty = line.TargetQty.Round(item.QtyPrecision)
	}

	targetRate, err := r.resolveTargetRate(ctx, line, item, currentRate)
	if err != nil {
		return nil, decimal.Zero, err
	}

	// 無変化フィルタ：数量・評価レート（丸め後）のいずれも変わらない行は除外
	// 数量ゼロのままのレート変更も記帳対象がないため無変化とみなす
	rateUnchanged := targetRate.Round(item.QtyPrecision).Equal(currentRate.Round(item.QtyPrecision))
	if targetQty.Equal(line.CurrentQty) && (rateUnchanged || targetQty.IsZero()) {
		line.Dropped = true
		return nil, decimal.Zero, nil
	}

	delta := targetQty.Sub(line.CurrentQty)
	batchID := line.BatchID
	if item.Tracking.HasBatch() && batchID == nil && delta.IsPositive() {
		// 追跡集合を超えて増加する場合のみ新規バッチを開く
		id := NewBatchID()
		batchID = &id
		line.CreatedBatch = &id
	}

	var movements []*Movement
	if !delta.IsZero() {
		movements = append(movements, &Movement{
			ID:         NewMovementID(),
			Type:       MovementReconciliation,
			ItemID:     line.ItemID,
			Warehouse:  line.Warehouse,
			BatchID:    batchID,
			Qty:        delta,
			Rate:       targetRate,
			DocumentID: line.ItemID + "@" + line.Warehouse,
			CreatedAt:  time.Now(),
		})
	} else {
		// 数量不変でレートのみ変更：全量を目標レートで再記帳
		movements = append(movements,
			&Movement{
				ID:                 NewMovementID(),
				Type:               MovementReconciliation,
				ItemID:             line.ItemID,
				Warehouse:          line.Warehouse,
				BatchID:            batchID,
				Qty:                targetQty.Neg(),
				Rate:               currentRate,
				AllowNegativeStock: true,
				CreatedAt:          time.Now(),
			},
			&Movement{
				ID:        NewMovementID(),
				Type:      MovementReconciliation,
				ItemID:    line.ItemID,
				Warehouse: line.Warehouse,
				BatchID:   batchID,
				Qty:       targetQty,
				Rate:      targetRate,
				CreatedAt: time.Now(),
			})
	}

	diff := targetQty.Mul(targetRate).Sub(line.CurrentQty.Mul(currentRate))
	return movements, diff, nil
}

// buildSerialLine diffs the target serial set against the on-hand set.
// The serial-count check runs before valuation so a malformed line is
// rejected even when no rate can be resolved. A pure rate change
// re-posts every retained serial at the target rate.
// 目標シリアル集合と手持シリアル集合の差分から移動を構築する。
// シリアル数の検証を評価レート解決より先に行い、レート未解決でも
// 不正な行は拒否する。レートのみの変更は保持シリアル全数を
// 目標レートで再記帳する。
func (r *Reconciler) buildSerialLine(ctx context.Context, line *ReconciliationLine, item *Item, currentRate decimal.Decimal) ([]*Movement, decimal.Decimal, error) {
	onHand, err := r.ledger.SerialsOnHand(ctx, line.ItemID, line.Warehouse)
	if err != nil {
		return nil, decimal.Zero, err
	}

	target := line.SerialNos
	if len(target) == 0 && line.TargetQty == nil {
		target = onHand
	}
	if line.TargetQty != nil && !line.TargetQty.Equal(decimal.NewFromInt(int64(len(target)))) {
		return nil, decimal.Zero, NewValidationError("serial_nos",
			"目標数量とシリアル数が一致しません",
			fmt.Sprintf("qty=%s serials=%d", line.TargetQty.String(), len(target)))
	}

	targetRate, err := r.resolveTargetRate(ctx, line, item, currentRate)
	if err != nil {
		return nil, decimal.Zero, err
	}
	rateChanged := !targetRate.Round(item.QtyPrecision).Equal(currentRate.Round(item.QtyPrecision))

	onHandSet := make(map[string]bool, len(onHand))
	for _, s := range onHand {
		onHandSet[s] = true
	}
	targetSet := make(map[string]bool, len(target))
	for _, s := range target {
		targetSet[s] = true
	}

	var added, removed, retained []string
	for _, s := range target {
		if !onHandSet[s] {
			added = append(added, s)
		} else {
			retained = append(retained, s)
		}
	}
	for _, s := range onHand {
		if !targetSet[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(retained)

	// 無変化フィルタ：シリアル集合もレート（丸め後）も変わらない行は除外
	// 保持シリアルのない評価替えも記帳対象がないため無変化とみなす
	if len(added) == 0 && len(removed) == 0 && (!rateChanged || len(retained) == 0) {
		line.Dropped = true
		return nil, decimal.Zero, nil
	}

	var movements []*Movement
	for _, s := range removed {
		serial := s
		movements = append(movements, &Movement{
			ID:        NewMovementID(),
			Type:      MovementReconciliation,
			ItemID:    line.ItemID,
			Warehouse: line.Warehouse,
			SerialNo:  &serial,
			Qty:       decimal.NewFromInt(-1),
			Rate:      currentRate,
			CreatedAt: time.Now(),
		})
	}
	if rateChanged {
		// レート変更時は保持シリアルを現レートで払出し目標レートで再記帳
		for _, s := range retained {
			serial := s
			movements = append(movements,
				&Movement{
					ID:                 NewMovementID(),
					Type:               MovementReconciliation,
					ItemID:             line.ItemID,
					Warehouse:          line.Warehouse,
					SerialNo:           &serial,
					Qty:                decimal.NewFromInt(-1),
					Rate:               currentRate,
					AllowNegativeStock: true,
					CreatedAt:          time.Now(),
				},
				&Movement{
					ID:        NewMovementID(),
					Type:      MovementReconciliation,
					ItemID:    line.ItemID,
					Warehouse: line.Warehouse,
					SerialNo:  &serial,
					Qty:       decimal.NewFromInt(1),
					Rate:      targetRate,
					CreatedAt: time.Now(),
				})
		}
	}
	for _, s := range added {
		serial := s
		movements = append(movements, &Movement{
			ID:        NewMovementID(),
			Type:      MovementReconciliation,
			ItemID:    line.ItemID,
			Warehouse: line.Warehouse,
			SerialNo:  &serial,
			Qty:       decimal.NewFromInt(1),
			Rate:      targetRate,
			CreatedAt: time.Now(),
		})
	}

	finalQty := decimal.NewFromInt(int64(len(target)))
	diff := finalQty.Mul(targetRate).Sub(line.CurrentQty.Mul(currentRate))
	return movements, diff, nil
}

// resolveTargetRate applies the valuation fallback chain:
// current computed rate, then buying price list, then item master default
// 評価レートのフォールバックチェーンを適用：
// 現在の算出レート→購買価格表→商品マスタのデフォルト
func (r *Reconciler) resolveTargetRate(ctx context.Context, line *ReconciliationLine, item *Item, currentRate decimal.Decimal) (decimal.Decimal, error) {
	if line.TargetRate != nil {
		return *line.TargetRate, nil
	}
	if !currentRate.IsZero() {
		return currentRate, nil
	}

	if r.prices != nil {
		rate, ok, err := r.prices.BuyingRate(ctx, line.ItemID, r.config.Currency)
		if err != nil {
			r.logger.Warn("購買価格表の照会に失敗しました",
				zap.String("item_id", line.ItemID),
				zap.Error(err))
		} else if ok && !rate.IsZero() {
			return rate, nil
		}
	}

	if r.valuation != nil {
		rate, ok, err := r.valuation.DefaultRate(ctx, line.ItemID)
		if err != nil {
			r.logger.Warn("デフォルト評価レートの照会に失敗しました",
				zap.String("item_id", line.ItemID),
				zap.Error(err))
		} else if ok && !rate.IsZero() {
			return rate, nil
		}
	}
	if !item.DefaultRate.IsZero() {
		return item.DefaultRate, nil
	}

	return decimal.Zero, fmt.Errorf("商品%s: %w", line.ItemID, ErrValuationRequired)
}

// postDeferred runs a queued reconciliation and records failures durably
// キュー経由の棚卸調整を実行し、失敗は永続的に記録する
func (r *Reconciler) postDeferred(ctx context.Context, recordID string) error {
	r.mu.Lock()
	record, ok := r.records[recordID]
	r.mu.Unlock()
	if !ok {
		return ErrRecordNotFound
	}

	if err := r.post(ctx, record); err != nil {
		// 失敗時は提出前の状態に戻し、失敗コメントを残す
		for _, line := range record.Lines {
			line.Dropped = false
			line.MovementIDs = nil
			line.CreatedBatch = nil
		}
		record.DifferenceAmount = decimal.Zero
		record.State = ReconciliationFailed
		record.FailureComment = err.Error()
		r.persist(ctx, record)

		r.logger.Error("バックグラウンド棚卸調整が失敗しました",
			zap.String("record_id", record.ID),
			zap.Error(err))
		return err
	}

	reconciliationsPosted.WithLabelValues(string(ModeDeferred)).Inc()
	return nil
}

// persist saves the record to the document store; failures are log-only
// レコードを永続ストアへ保存する。失敗はログ記録のみ
func (r *Reconciler) persist(ctx context.Context, record *ReconciliationRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveReconciliation(ctx, record); err != nil {
		r.logger.Warn("棚卸調整レコードの保存に失敗しました",
			zap.String("record_id", record.ID),
			zap.Error(err))
	}
}
