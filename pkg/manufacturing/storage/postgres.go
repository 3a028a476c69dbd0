// Package storage provides PostgreSQL persistence for the manufacturing engine
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/seizoGoFramework/pkg/manufacturing"
)

// PostgreSQLStorage implements the LedgerSink and DocumentStore interfaces using PostgreSQL
// PostgreSQLを使用したLedgerSinkおよびDocumentStoreインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ manufacturing.LedgerSink = (*PostgreSQLStorage)(nil)
var _ manufacturing.DocumentStore = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}

	return storage, nil
}

// Post appends one ledger movement row
// 元帳移動を1行追記
func (s *PostgreSQLStorage) Post(ctx context.Context, m *manufacturing.Movement) error {
	query := `
		INSERT INTO movements (id, type, item_id, warehouse, batch_id, serial_no, qty, rate, sequence, document_id, allow_negative_stock, reversal_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.Type,
		m.ItemID,
		m.Warehouse,
		m.BatchID,
		m.SerialNo,
		m.Qty,
		m.Rate,
		m.Sequence,
		m.DocumentID,
		m.AllowNegativeStock,
		m.ReversalOf,
		m.CreatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("元帳移動は既に存在します: %s", m.ID)
		}
		return fmt.Errorf("元帳移動の記帳に失敗しました: %w", err)
	}

	return nil
}

// Reverse marks a movement reversed and appends its negation row
// 移動を取消済みとしてマークし、反対仕訳行を追記
func (s *PostgreSQLStorage) Reverse(ctx context.Context, movementID string, reversal *manufacturing.Movement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE movements SET reversed_by = $2 WHERE id = $1 AND reversed_by IS NULL`,
		movementID, reversal.ID)
	if err != nil {
		return fmt.Errorf("移動の取消マークに失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return manufacturing.ErrMovementAlreadyReversed
	}

	query := `
		INSERT INTO movements (id, type, item_id, warehouse, batch_id, serial_no, qty, rate, sequence, document_id, allow_negative_stock, reversal_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = tx.ExecContext(ctx, query,
		reversal.ID,
		reversal.Type,
		reversal.ItemID,
		reversal.Warehouse,
		reversal.BatchID,
		reversal.SerialNo,
		reversal.Qty,
		reversal.Rate,
		reversal.Sequence,
		reversal.DocumentID,
		reversal.AllowNegativeStock,
		reversal.ReversalOf,
		reversal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("反対仕訳の記帳に失敗しました: %w", err)
	}

	return tx.Commit()
}

// SaveWorkOrder upserts a work order with its component rows
// 製造指図を構成品目行ごと保存
func (s *PostgreSQLStorage) SaveWorkOrder(ctx context.Context, order *manufacturing.WorkOrder) error {
	componentsJSON, err := json.Marshal(order.Components)
	if err != nil {
		return fmt.Errorf("構成品目のJSON変換に失敗しました: %w", err)
	}

	query := `
		INSERT INTO work_orders (id, item_id, planned_qty, produced_qty, policy, state, components, wip_warehouse, target_warehouse, over_production_factor, operating_cost_per_unit, planning_horizon, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE
		SET produced_qty = EXCLUDED.produced_qty,
		    state = EXCLUDED.state,
		    components = EXCLUDED.components,
		    updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		order.ID,
		order.ItemID,
		order.PlannedQty,
		order.ProducedQty,
		order.Policy,
		order.State,
		componentsJSON,
		order.WIPWarehouse,
		order.TargetWarehouse,
		order.OverProductionFactor,
		order.OperatingCostPerUnit,
		int64(order.PlanningHorizon/time.Second),
		order.CreatedAt,
		order.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("製造指図の保存に失敗しました: %w", err)
	}

	return nil
}

// GetWorkOrder retrieves a work order by ID
// IDで製造指図を取得
func (s *PostgreSQLStorage) GetWorkOrder(ctx context.Context, orderID string) (*manufacturing.WorkOrder, error) {
	query := `
		SELECT id, item_id, planned_qty, produced_qty, policy, state, components, wip_warehouse, target_warehouse, over_production_factor, operating_cost_per_unit, planning_horizon, created_at, updated_at
		FROM work_orders
		WHERE id = $1`

	order := &manufacturing.WorkOrder{}
	var componentsJSON []byte
	var horizonSeconds int64

	err := s.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.ItemID,
		&order.PlannedQty,
		&order.ProducedQty,
		&order.Policy,
		&order.State,
		&componentsJSON,
		&order.WIPWarehouse,
		&order.TargetWarehouse,
		&order.OverProductionFactor,
		&order.OperatingCostPerUnit,
		&horizonSeconds,
		&order.CreatedAt,
		&order.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, manufacturing.ErrOrderNotFound
		}
		return nil, fmt.Errorf("製造指図の取得に失敗しました: %w", err)
	}

	order.PlanningHorizon = time.Duration(horizonSeconds) * time.Second
	if len(componentsJSON) > 0 {
		if err := json.Unmarshal(componentsJSON, &order.Components); err != nil {
			s.logger.Warn("構成品目のパースに失敗しました", zap.Error(err))
		}
	}

	return order, nil
}

// SaveEvent upserts an order event
// 製造イベントを保存
func (s *PostgreSQLStorage) SaveEvent(ctx context.Context, event *manufacturing.OrderEvent) error {
	componentQtysJSON, err := json.Marshal(event.ComponentQtys)
	if err != nil {
		return fmt.Errorf("構成品目数量のJSON変換に失敗しました: %w", err)
	}

	query := `
		INSERT INTO order_events (id, order_id, type, seq, finished_qty, scrap_qty, component_qtys, movement_ids, completed, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET cancelled = EXCLUDED.cancelled`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.OrderID,
		event.Type,
		event.Seq,
		event.FinishedQty,
		event.ScrapQty,
		componentQtysJSON,
		pq.Array(event.MovementIDs),
		event.Completed,
		event.Cancelled,
		event.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("製造イベントの保存に失敗しました: %w", err)
	}

	return nil
}

// GetEventsByOrder retrieves all events of a work order in sequence order
// 製造指図の全イベントをシーケンス順で取得
func (s *PostgreSQLStorage) GetEventsByOrder(ctx context.Context, orderID string) ([]manufacturing.OrderEvent, error) {
	query := `
		SELECT id, order_id, type, seq, finished_qty, scrap_qty, component_qtys, movement_ids, completed, cancelled, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("製造イベント取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []manufacturing.OrderEvent
	for rows.Next() {
		var event manufacturing.OrderEvent
		var componentQtysJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.OrderID,
			&event.Type,
			&event.Seq,
			&event.FinishedQty,
			&event.ScrapQty,
			&componentQtysJSON,
			pq.Array(&event.MovementIDs),
			&event.Completed,
			&event.Cancelled,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("製造イベントスキャンに失敗しました: %w", err)
		}

		// 構成品目数量のデシリアライズ
		if len(componentQtysJSON) > 0 {
			if err := json.Unmarshal(componentQtysJSON, &event.ComponentQtys); err != nil {
				s.logger.Warn("構成品目数量のパースに失敗しました", zap.Error(err))
			}
		}

		events = append(events, event)
	}

	return events, nil
}

// SaveReconciliation upserts a reconciliation record with its lines
// 棚卸調整レコードを目標行ごと保存
func (s *PostgreSQLStorage) SaveReconciliation(ctx context.Context, record *manufacturing.ReconciliationRecord) error {
	linesJSON, err := json.Marshal(record.Lines)
	if err != nil {
		return fmt.Errorf("調整行のJSON変換に失敗しました: %w", err)
	}

	query := `
		INSERT INTO reconciliations (id, state, lines, difference_amount, failure_comment, posted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    lines = EXCLUDED.lines,
		    difference_amount = EXCLUDED.difference_amount,
		    failure_comment = EXCLUDED.failure_comment,
		    posted_at = EXCLUDED.posted_at`

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.State,
		linesJSON,
		record.DifferenceAmount,
		record.FailureComment,
		record.PostedAt,
		record.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("棚卸調整レコードの保存に失敗しました: %w", err)
	}

	return nil
}

// GetReconciliation retrieves a reconciliation record by ID
// IDで棚卸調整レコードを取得
func (s *PostgreSQLStorage) GetReconciliation(ctx context.Context, recordID string) (*manufacturing.ReconciliationRecord, error) {
	query := `
		SELECT id, state, lines, difference_amount, failure_comment, posted_at, created_at
		FROM reconciliations
		WHERE id = $1`

	record := &manufacturing.ReconciliationRecord{}
	var linesJSON []byte

	err := s.db.QueryRowContext(ctx, query, recordID).Scan(
		&record.ID,
		&record.State,
		&linesJSON,
		&record.DifferenceAmount,
		&record.FailureComment,
		&record.PostedAt,
		&record.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, manufacturing.ErrRecordNotFound
		}
		return nil, fmt.Errorf("棚卸調整レコードの取得に失敗しました: %w", err)
	}

	if len(linesJSON) > 0 {
		if err := json.Unmarshal(linesJSON, &record.Lines); err != nil {
			s.logger.Warn("調整行のパースに失敗しました", zap.Error(err))
		}
	}

	return record, nil
}

// GetMovementsByKey retrieves the movement log for one (item, warehouse) key
// 指定（商品・倉庫）キーの移動ログを取得
func (s *PostgreSQLStorage) GetMovementsByKey(ctx context.Context, itemID, warehouse string) ([]manufacturing.Movement, error) {
	query := `
		SELECT id, type, item_id, warehouse, batch_id, serial_no, qty, rate, sequence, document_id, allow_negative_stock, reversal_of, created_at
		FROM movements
		WHERE item_id = $1 AND warehouse = $2
		ORDER BY sequence`

	rows, err := s.db.QueryContext(ctx, query, itemID, warehouse)
	if err != nil {
		return nil, fmt.Errorf("移動ログ取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var movements []manufacturing.Movement
	for rows.Next() {
		var m manufacturing.Movement
		err := rows.Scan(
			&m.ID,
			&m.Type,
			&m.ItemID,
			&m.Warehouse,
			&m.BatchID,
			&m.SerialNo,
			&m.Qty,
			&m.Rate,
			&m.Sequence,
			&m.DocumentID,
			&m.AllowNegativeStock,
			&m.ReversalOf,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("移動スキャンに失敗しました: %w", err)
		}
		movements = append(movements, m)
	}

	return movements, nil
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}
