package manufacturing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// keyState holds the movement log for one (item, warehouse) key
// 1つの(商品,倉庫)キーの移動ログを保持
type keyState struct {
	mu        sync.Mutex
	seq       int64
	movements []*Movement
}

// Ledger implements the QuantityLedger interface as an in-memory append-only log
// QuantityLedgerインターフェースをインメモリ追記ログとして実装
//
// 残高は常に移動の符号付き合計として再計算される。キャッシュは保持しない。
type Ledger struct {
	sink      LedgerSink      // 永続ストア（任意）
	valuation ValuationSource // 評価レートのフォールバック（任意）
	logger    *zap.Logger     // ログ

	mu       sync.Mutex           // keys/byID/reversedを保護
	keys     map[string]*keyState // (商品,倉庫)キーごとの状態
	byID     map[string]*Movement // 移動IDインデックス
	reversed map[string]string    // 取消済み移動ID -> 取消移動ID
}

// インターフェース実装を明示
var _ QuantityLedger = (*Ledger)(nil)

// NewLedger creates a new quantity ledger
// 新しい数量元帳を作成
func NewLedger(sink LedgerSink, valuation ValuationSource, logger *zap.Logger) *Ledger {
	return &Ledger{
		sink:      sink,
		valuation: valuation,
		logger:    logger,
		keys:      make(map[string]*keyState),
		byID:      make(map[string]*Movement),
		reversed:  make(map[string]string),
	}
}

// ledgerKey builds the serialization key for an item and warehouse
// 商品と倉庫から直列化キーを構築
func ledgerKey(itemID, warehouse string) string {
	return itemID + "|" + warehouse
}

// keyState returns the state for a key, creating it on first use
// キーの状態を返す（初回アクセス時に作成）
func (l *Ledger) keyState(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[key]
	if !ok {
		ks = &keyState{}
		l.keys[key] = ks
	}
	return ks
}

// PostMovement appends a single immutable movement and returns its ID
// 1件の不変な移動を追記し、そのIDを返す
func (l *Ledger) PostMovement(ctx context.Context, movement *Movement) (string, error) {
	ids, err := l.PostMovements(ctx, []*Movement{movement})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// PostMovements appends a set of movements atomically: either all commit or none
// 複数の移動をアトミックに追記する（全件コミットまたは全件棄却）
//
// 関係するキーをソート順にロックすることでデッドロックを回避し、
// キーが互いに素な呼び出し同士は並行して進行できる。
func (l *Ledger) PostMovements(ctx context.Context, movements []*Movement) ([]string, error) {
	if len(movements) == 0 {
		return nil, NewValidationError("movements", "移動が指定されていません", "")
	}
	for _, m := range movements {
		if err := l.validateMovement(m); err != nil {
			return nil, err
		}
	}

	// 関係キーを収集しソート順にロック
	states := l.lockKeys(movements)
	defer unlockKeys(states)

	// 記帳前に全件を検証（残高シミュレーション）
	deltas := make(map[string]decimal.Decimal)
	for _, m := range movements {
		if err := l.resolveRate(ctx, states[ledgerKey(m.ItemID, m.Warehouse)], m); err != nil {
			return nil, err
		}
		if m.Qty.IsNegative() && !m.AllowNegativeStock {
			balKey := balanceKey(m.ItemID, m.Warehouse, m.BatchID)
			current, _ := l.balanceLocked(states[ledgerKey(m.ItemID, m.Warehouse)], m.BatchID, nil)
			projected := current.Add(deltas[balKey]).Add(m.Qty)
			if projected.IsNegative() {
				return nil, &InsufficientStockError{
					ItemID:    m.ItemID,
					Warehouse: m.Warehouse,
					Requested: m.Qty.Neg().String(),
					Available: current.Add(deltas[balKey]).String(),
				}
			}
		}
		// バッチ付き移動は倉庫集約の残高にも影響する
		deltas[balanceKey(m.ItemID, m.Warehouse, m.BatchID)] = deltas[balanceKey(m.ItemID, m.Warehouse, m.BatchID)].Add(m.Qty)
		if m.BatchID != nil {
			deltas[balanceKey(m.ItemID, m.Warehouse, nil)] = deltas[balanceKey(m.ItemID, m.Warehouse, nil)].Add(m.Qty)
		}
	}

	// 全件検証済み：追記を確定
	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		l.appendLocked(ctx, states[ledgerKey(m.ItemID, m.Warehouse)], m)
		ids = append(ids, m.ID)
	}

	return ids, nil
}

// ReverseMovement appends the exact negation of a movement; history is never edited
// 移動の正確な反対仕訳を追記する（履歴は決して編集しない）
func (l *Ledger) ReverseMovement(ctx context.Context, movementID string) (string, error) {
	l.mu.Lock()
	original, ok := l.byID[movementID]
	if !ok {
		l.mu.Unlock()
		return "", ErrMovementNotFound
	}
	if _, done := l.reversed[movementID]; done {
		l.mu.Unlock()
		return "", ErrMovementAlreadyReversed
	}
	l.mu.Unlock()

	reversal := &Movement{
		ID:                 NewMovementID(),
		Type:               MovementReversal,
		ItemID:             original.ItemID,
		Warehouse:          original.Warehouse,
		BatchID:            original.BatchID,
		SerialNo:           original.SerialNo,
		Qty:                original.Qty.Neg(),
		Rate:               original.Rate,
		DocumentID:         original.DocumentID,
		AllowNegativeStock: original.AllowNegativeStock,
		ReversalOf:         &original.ID,
	}

	ks := l.keyState(ledgerKey(original.ItemID, original.Warehouse))
	ks.mu.Lock()
	l.appendLocked(ctx, ks, reversal)
	ks.mu.Unlock()

	l.mu.Lock()
	l.reversed[movementID] = reversal.ID
	l.mu.Unlock()

	l.logger.Info("元帳移動を取り消しました",
		zap.String("movement_id", movementID),
		zap.String("reversal_id", reversal.ID),
		zap.String("item_id", original.ItemID),
		zap.String("warehouse", original.Warehouse),
	)

	return reversal.ID, nil
}

// BalanceAsOf returns the signed sum of movements up to the given instant
// 指定時点までの移動の符号付き合計を返す
func (l *Ledger) BalanceAsOf(ctx context.Context, itemID, warehouse string, batchID *string, instant time.Time) (decimal.Decimal, decimal.Decimal, error) {
	ks := l.keyState(ledgerKey(itemID, warehouse))
	ks.mu.Lock()
	defer ks.mu.Unlock()
	qty, value := l.balanceLocked(ks, batchID, &instant)
	return qty, value, nil
}

// Balance returns the current on-hand balance, replayed from the full log
// 現在の手持残高を返す（ログ全体のリプレイにより算出）
func (l *Ledger) Balance(ctx context.Context, itemID, warehouse string, batchID *string) (decimal.Decimal, decimal.Decimal, error) {
	ks := l.keyState(ledgerKey(itemID, warehouse))
	ks.mu.Lock()
	defer ks.mu.Unlock()
	qty, value := l.balanceLocked(ks, batchID, nil)
	return qty, value, nil
}

// CurrentRate returns the average valuation rate of the current balance
// 現在残高の平均評価レートを返す
func (l *Ledger) CurrentRate(ctx context.Context, itemID, warehouse string, batchID *string) (decimal.Decimal, error) {
	qty, value, err := l.Balance(ctx, itemID, warehouse, batchID)
	if err != nil {
		return decimal.Zero, err
	}
	if qty.IsZero() {
		return decimal.Zero, nil
	}
	return value.Div(qty), nil
}

// SerialsOnHand returns the serial numbers currently on hand for an item at a warehouse
// 指定倉庫で現在手持ちのシリアル番号集合を返す
func (l *Ledger) SerialsOnHand(ctx context.Context, itemID, warehouse string) ([]string, error) {
	ks := l.keyState(ledgerKey(itemID, warehouse))
	ks.mu.Lock()
	defer ks.mu.Unlock()

	onHand := make(map[string]bool)
	for _, m := range ks.movements {
		if m.SerialNo == nil {
			continue
		}
		if m.Qty.IsPositive() {
			onHand[*m.SerialNo] = true
		} else {
			delete(onHand, *m.SerialNo)
		}
	}

	serials := make([]string, 0, len(onHand))
	for s := range onHand {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials, nil
}

// GetMovement returns a movement by ID
// IDで移動を取得
func (l *Ledger) GetMovement(ctx context.Context, movementID string) (*Movement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[movementID]
	if !ok {
		return nil, ErrMovementNotFound
	}
	return m, nil
}

// ヘルパーメソッド

// validateMovement performs structural validation before any posting
// 記帳前の構造バリデーションを実施
func (l *Ledger) validateMovement(m *Movement) error {
	if err := ValidateItemID(m.ItemID); err != nil {
		return err
	}
	if err := ValidateWarehouseID(m.Warehouse); err != nil {
		return err
	}
	if m.BatchID != nil {
		if err := ValidateBatchID(*m.BatchID); err != nil {
			return err
		}
	}
	if m.SerialNo != nil {
		if err := ValidateSerialNo(*m.SerialNo); err != nil {
			return err
		}
	}
	if err := ValidateQty(m.Qty, true); err != nil {
		return err
	}
	if err := ValidateRate(m.Rate); err != nil {
		return err
	}
	if m.Qty.IsZero() {
		return NewValidationError("qty", "数量ゼロの移動は記帳できません", "0")
	}
	if m.SerialNo != nil && !m.Qty.Abs().Equal(decimal.NewFromInt(1)) {
		return NewValidationError("qty", "シリアル移動の数量は1でなければなりません", m.Qty.String())
	}
	return nil
}

// resolveRate resolves a missing debit rate: current average rate, then item default
// 払出レート未指定時の解決：現在平均レート、次に商品デフォルト
func (l *Ledger) resolveRate(ctx context.Context, ks *keyState, m *Movement) error {
	if !m.Rate.IsZero() || m.Qty.IsPositive() {
		return nil
	}

	if ks != nil {
		qty, value := l.balanceLocked(ks, m.BatchID, nil)
		if !qty.IsZero() {
			m.Rate = value.Div(qty)
			return nil
		}
	}

	if l.valuation != nil {
		rate, ok, err := l.valuation.DefaultRate(ctx, m.ItemID)
		if err != nil {
			return NewStorageError("default_rate", "デフォルト評価レート取得に失敗しました", err)
		}
		if ok && !rate.IsZero() {
			m.Rate = rate
			return nil
		}
	}

	return ErrValuationRequired
}

// appendLocked assigns the sequence and appends; the key lock must be held
// シーケンスを採番して追記する（キーロック保持が前提）
func (l *Ledger) appendLocked(ctx context.Context, ks *keyState, m *Movement) {
	if m.ID == "" {
		m.ID = NewMovementID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	ks.seq++
	m.Sequence = ks.seq
	ks.movements = append(ks.movements, m)

	l.mu.Lock()
	l.byID[m.ID] = m
	l.mu.Unlock()

	movementsPosted.WithLabelValues(string(m.Type)).Inc()

	// 永続ストアへの転送（失敗はログのみ：インメモリログが信頼点）
	if l.sink != nil {
		if m.ReversalOf != nil {
			if err := l.sink.Reverse(ctx, *m.ReversalOf, m); err != nil {
				l.logger.Error("永続ストアへの取消転送に失敗しました", zap.String("movement_id", m.ID), zap.Error(err))
			}
		} else if err := l.sink.Post(ctx, m); err != nil {
			l.logger.Error("永続ストアへの移動転送に失敗しました", zap.String("movement_id", m.ID), zap.Error(err))
		}
	}
}

// balanceLocked sums movements for the key; the key lock must be held
// キーの移動を合計する（キーロック保持が前提）
func (l *Ledger) balanceLocked(ks *keyState, batchID *string, instant *time.Time) (decimal.Decimal, decimal.Decimal) {
	qty := decimal.Zero
	value := decimal.Zero
	if ks == nil {
		return qty, value
	}
	for _, m := range ks.movements {
		if batchID != nil && (m.BatchID == nil || *m.BatchID != *batchID) {
			continue
		}
		if instant != nil && m.CreatedAt.After(*instant) {
			continue
		}
		qty = qty.Add(m.Qty)
		value = value.Add(m.Value())
	}
	return qty, value
}

// lockKeys locks the key states for all movements in a deterministic order
// すべての移動のキー状態を決定的順序でロック
func (l *Ledger) lockKeys(movements []*Movement) map[string]*keyState {
	keySet := make(map[string]bool)
	for _, m := range movements {
		keySet[ledgerKey(m.ItemID, m.Warehouse)] = true
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	states := make(map[string]*keyState, len(keys))
	for _, k := range keys {
		ks := l.keyState(k)
		ks.mu.Lock()
		states[k] = ks
	}
	return states
}

// unlockKeys releases the key locks acquired by lockKeys
// lockKeysで取得したキーロックを解放
func unlockKeys(states map[string]*keyState) {
	for _, ks := range states {
		ks.mu.Unlock()
	}
}

// balanceKey builds the simulation key including the batch dimension
// バッチ次元を含むシミュレーションキーを構築
func balanceKey(itemID, warehouse string, batchID *string) string {
	if batchID == nil {
		return itemID + "|" + warehouse + "|"
	}
	return itemID + "|" + warehouse + "|" + *batchID
}
