package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/seizoGoFramework/pkg/manufacturing"
)

// Handlers holds HTTP handlers for the manufacturing API
// 製造API用のHTTPハンドラーを保持
type Handlers struct {
	tracker    *manufacturing.Tracker
	reconciler *manufacturing.Reconciler
	ledger     *manufacturing.Ledger
	logger     *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(tracker *manufacturing.Tracker, reconciler *manufacturing.Reconciler, ledger *manufacturing.Ledger, logger *zap.Logger) *Handlers {
	return &Handlers{
		tracker:    tracker,
		reconciler: reconciler,
		ledger:     ledger,
		logger:     logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RegisterItemRequest represents request to register item master data
// 商品マスタ登録リクエストを表現
type RegisterItemRequest struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Tracking     manufacturing.TrackingMode `json:"tracking"`
	DefaultRate  decimal.Decimal           `json:"default_rate"`
	QtyPrecision int32                     `json:"qty_precision"`
	Disabled     bool                      `json:"disabled"`
	HasVariants  bool                      `json:"has_variants"`
}

// CreateOrderRequest represents request to create a work order
// 製造指図作成リクエストを表現
type CreateOrderRequest struct {
	ID                   string                            `json:"id"`
	ItemID               string                            `json:"item_id"`
	PlannedQty           decimal.Decimal                   `json:"planned_qty"`
	Policy               manufacturing.ConsumptionPolicy   `json:"policy"`
	Components           []*manufacturing.RequiredItem     `json:"components"`
	WIPWarehouse         string                            `json:"wip_warehouse"`
	TargetWarehouse      string                            `json:"target_warehouse"`
	OverProductionFactor decimal.Decimal                   `json:"over_production_factor"`
	OperatingCostPerUnit decimal.Decimal                   `json:"operating_cost_per_unit"`
	PlanningHorizonHours int                               `json:"planning_horizon_hours"`
}

// TransferRequest represents request to transfer raw material into WIP
// 仕掛品倉庫への材料振替リクエストを表現
type TransferRequest struct {
	Lines []manufacturing.TransferLine `json:"lines"`
}

// ManufactureRequest represents request to record finished production
// 完成品計上リクエストを表現
type ManufactureRequest struct {
	FinishedQty decimal.Decimal `json:"finished_qty"`
	ScrapQty    decimal.Decimal `json:"scrap_qty"`
}

// CloseRequest carries the reason for a stop or close transition
// 停止・クローズ遷移の理由を運ぶリクエスト
type CloseRequest struct {
	Reason string `json:"reason"`
}

// ReconciliationRequest represents request to submit a stock reconciliation
// 棚卸調整提出リクエストを表現
type ReconciliationRequest struct {
	Lines []*manufacturing.ReconciliationLine `json:"lines"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now(),
			"service":   "seizoGoFramework",
		},
	}

	json.NewEncoder(w).Encode(response)
}

// RegisterItem handles item master registration
// 商品マスタ登録リクエストを処理
func (h *Handlers) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req RegisterItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := manufacturing.ValidateItemID(req.ID); err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.tracker.RegisterItem(&manufacturing.Item{
		ID:           req.ID,
		Name:         req.Name,
		Tracking:     req.Tracking,
		DefaultRate:  req.DefaultRate,
		QtyPrecision: req.QtyPrecision,
		Disabled:     req.Disabled,
		HasVariants:  req.HasVariants,
		CreatedAt:    time.Now(),
	})

	h.sendSuccess(w, map[string]string{
		"message": "商品を登録しました",
		"item_id": req.ID,
	})
}

// GetItem handles item master retrieval
// 商品マスタ取得リクエストを処理
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := h.tracker.GetItem(vars["itemId"])
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}
	h.sendSuccess(w, item)
}

// CreateOrder handles work order creation
// 製造指図作成リクエストを処理
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	order := &manufacturing.WorkOrder{
		ID:                   req.ID,
		ItemID:               req.ItemID,
		PlannedQty:           req.PlannedQty,
		Policy:               req.Policy,
		Components:           req.Components,
		WIPWarehouse:         req.WIPWarehouse,
		TargetWarehouse:      req.TargetWarehouse,
		OverProductionFactor: req.OverProductionFactor,
		OperatingCostPerUnit: req.OperatingCostPerUnit,
		PlanningHorizon:      time.Duration(req.PlanningHorizonHours) * time.Hour,
	}

	if err := h.tracker.CreateOrder(r.Context(), order); err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, order)
}

// SubmitOrder handles work order submission
// 製造指図提出リクエストを処理
func (h *Handlers) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.tracker.Submit(r.Context(), vars["orderId"]); err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, map[string]string{
		"message":  "製造指図を提出しました",
		"order_id": vars["orderId"],
	})
}

// RecordTransfer handles material transfer requests
// 材料振替リクエストを処理
func (h *Handlers) RecordTransfer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	event, err := h.tracker.RecordTransfer(r.Context(), vars["orderId"], req.Lines)
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, event)
}

// RecordManufacture handles finished production requests
// 完成品計上リクエストを処理
func (h *Handlers) RecordManufacture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req ManufactureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	event, err := h.tracker.RecordManufacture(r.Context(), vars["orderId"], req.FinishedQty, req.ScrapQty)
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, event)
}

// RecordConsumption handles explicit material consumption requests
// 明示的な材料消費リクエストを処理
func (h *Handlers) RecordConsumption(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	event, err := h.tracker.RecordConsumption(r.Context(), vars["orderId"], req.Lines)
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, event)
}

// RecordReturn handles surplus material return requests
// 未消費材料の返却リクエストを処理
func (h *Handlers) RecordReturn(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	event, err := h.tracker.RecordReturn(r.Context(), vars["orderId"])
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, event)
}

// CloseOrder handles work order close requests
// 製造指図クローズリクエストを処理
func (h *Handlers) CloseOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := h.tracker.Close(r.Context(), vars["orderId"], req.Reason); err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, map[string]string{
		"message":  "製造指図をクローズしました",
		"order_id": vars["orderId"],
	})
}

// StopOrder handles work order stop requests
// 製造指図停止リクエストを処理
func (h *Handlers) StopOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := h.tracker.Stop(r.Context(), vars["orderId"], req.Reason); err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, map[string]string{
		"message":  "製造指図を停止しました",
		"order_id": vars["orderId"],
	})
}

// GetOrder handles work order retrieval
// 製造指図取得リクエストを処理
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := h.tracker.GetOrder(r.Context(), vars["orderId"])
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}
	h.sendSuccess(w, order)
}

// GetEvent handles order event retrieval
// 製造イベント取得リクエストを処理
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	event, err := h.tracker.GetEvent(r.Context(), vars["eventId"])
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}
	h.sendSuccess(w, event)
}

// CancelEvent handles event cancellation requests
// 製造イベントキャンセルリクエストを処理
func (h *Handlers) CancelEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.tracker.CancelEvent(r.Context(), vars["eventId"]); err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, map[string]string{
		"message":  "製造イベントをキャンセルしました",
		"event_id": vars["eventId"],
	})
}

// SubmitReconciliation handles stock reconciliation submission
// 棚卸調整提出リクエストを処理
func (h *Handlers) SubmitReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReconciliationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	result, err := h.reconciler.Submit(r.Context(), &manufacturing.ReconciliationRecord{Lines: req.Lines})
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, result)
}

// CancelReconciliation handles reconciliation cancellation requests
// 棚卸調整キャンセルリクエストを処理
func (h *Handlers) CancelReconciliation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.reconciler.Cancel(r.Context(), vars["recordId"]); err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, map[string]string{
		"message":   "棚卸調整をキャンセルしました",
		"record_id": vars["recordId"],
	})
}

// GetReconciliation handles reconciliation record retrieval
// 棚卸調整レコード取得リクエストを処理
func (h *Handlers) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	record, err := h.reconciler.GetRecord(r.Context(), vars["recordId"])
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}
	h.sendSuccess(w, record)
}

// GetBalance handles balance queries for one (item, warehouse) key
// （商品・倉庫）キーの残高照会リクエストを処理
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var batchID *string
	if batch := r.URL.Query().Get("batch"); batch != "" {
		batchID = &batch
	}

	qty, value, err := h.ledger.Balance(r.Context(), vars["itemId"], vars["warehouse"], batchID)
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	rate := decimal.Zero
	if !qty.IsZero() {
		rate = value.Div(qty)
	}

	h.sendSuccess(w, map[string]interface{}{
		"item_id":   vars["itemId"],
		"warehouse": vars["warehouse"],
		"qty":       qty,
		"value":     value,
		"rate":      rate,
	})
}

// GetSerials handles on-hand serial queries
// 手持シリアル照会リクエストを処理
func (h *Handlers) GetSerials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serials, err := h.ledger.SerialsOnHand(r.Context(), vars["itemId"], vars["warehouse"])
	if err != nil {
		h.sendError(w, statusForError(err), err.Error())
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"item_id":   vars["itemId"],
		"warehouse": vars["warehouse"],
		"serials":   serials,
	})
}

// statusForError maps engine errors to HTTP status codes
// エンジンエラーをHTTPステータスコードへ対応付け
func statusForError(err error) int {
	var validationErr *manufacturing.ValidationError
	var ambiguousErr *manufacturing.AmbiguousTargetError
	var overErr *manufacturing.OverProductionError
	var stockOverErr *manufacturing.StockOverProductionError
	var insufficientErr *manufacturing.InsufficientStockError
	var capacityErr *manufacturing.CapacityError
	var itemStateErr *manufacturing.ItemStateError
	var transitionErr *manufacturing.StateTransitionError
	var cancellationErr *manufacturing.CancellationOrderError

	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &ambiguousErr),
		errors.Is(err, manufacturing.ErrEmptyReconciliation):
		return http.StatusBadRequest
	case errors.Is(err, manufacturing.ErrItemNotFound),
		errors.Is(err, manufacturing.ErrOrderNotFound),
		errors.Is(err, manufacturing.ErrEventNotFound),
		errors.Is(err, manufacturing.ErrMovementNotFound),
		errors.Is(err, manufacturing.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.As(err, &overErr),
		errors.As(err, &stockOverErr),
		errors.As(err, &insufficientErr),
		errors.As(err, &capacityErr),
		errors.As(err, &itemStateErr),
		errors.As(err, &transitionErr),
		errors.As(err, &cancellationErr),
		errors.Is(err, manufacturing.ErrEventAlreadyCancelled),
		errors.Is(err, manufacturing.ErrRecordAlreadyCancelled),
		errors.Is(err, manufacturing.ErrRecordNotPosted),
		errors.Is(err, manufacturing.ErrDuplicateOrder),
		errors.Is(err, manufacturing.ErrConsumptionNotAllowed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
