package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/seizoGoFramework/internal/config"
	"github.com/nemonet1337/seizoGoFramework/pkg/manufacturing"
	"github.com/nemonet1337/seizoGoFramework/pkg/manufacturing/storage"
)

func main() {
	// ログ設定
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}

	// データベース接続
	store, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// エンジン初期化
	engineConfig := &manufacturing.Config{
		AllowNegativeStock:   cfg.Manufacturing.AllowNegativeStock,
		MaterialConsumption:  cfg.Manufacturing.MaterialConsumption,
		OverProductionFactor: cfg.Manufacturing.OverProductionFactor,
		Currency:             cfg.Manufacturing.Currency,
		DeferThreshold:       cfg.Manufacturing.DeferThreshold,
	}

	ledger := manufacturing.NewLedger(store, nil, logger)
	allocator := manufacturing.NewAllocator(logger)
	tracker := manufacturing.NewTracker(ledger, allocator, nil, nil, store, logger, engineConfig)

	queue := manufacturing.NewInProcessQueue(logger, cfg.Manufacturing.QueueBuffer, cfg.Manufacturing.QueueWorkers)
	queue.Start()
	defer queue.Stop()

	reconciler := manufacturing.NewReconciler(ledger, tracker, nil, nil, queue, nil, store, logger, engineConfig)

	// HTTPハンドラー設定
	handlers := NewHandlers(tracker, reconciler, ledger, logger)
	router := setupRouter(handlers, cfg.API.EnableMetrics)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("製造APIサーバーを開始します", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	// グレースフルシャットダウン
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, enableMetrics bool) *mux.Router {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if enableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// 商品マスタ
	api.HandleFunc("/items", handlers.RegisterItem).Methods("POST")
	api.HandleFunc("/items/{itemId}", handlers.GetItem).Methods("GET")

	// 製造指図ライフサイクル
	api.HandleFunc("/orders", handlers.CreateOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", handlers.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{orderId}/submit", handlers.SubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/stop", handlers.StopOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}/close", handlers.CloseOrder).Methods("POST")

	// 製造イベント
	api.HandleFunc("/orders/{orderId}/transfer", handlers.RecordTransfer).Methods("POST")
	api.HandleFunc("/orders/{orderId}/manufacture", handlers.RecordManufacture).Methods("POST")
	api.HandleFunc("/orders/{orderId}/consume", handlers.RecordConsumption).Methods("POST")
	api.HandleFunc("/orders/{orderId}/return", handlers.RecordReturn).Methods("POST")
	api.HandleFunc("/events/{eventId}", handlers.GetEvent).Methods("GET")
	api.HandleFunc("/events/{eventId}/cancel", handlers.CancelEvent).Methods("POST")

	// 棚卸調整
	api.HandleFunc("/reconciliations", handlers.SubmitReconciliation).Methods("POST")
	api.HandleFunc("/reconciliations/{recordId}", handlers.GetReconciliation).Methods("GET")
	api.HandleFunc("/reconciliations/{recordId}/cancel", handlers.CancelReconciliation).Methods("POST")

	// 残高照会
	api.HandleFunc("/balance/{itemId}/{warehouse}", handlers.GetBalance).Methods("GET")
	api.HandleFunc("/serials/{itemId}/{warehouse}", handlers.GetSerials).Methods("GET")

	// CORS設定（開発用）
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// ログ機能
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// リクエスト処理
			next.ServeHTTP(w, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
