package manufacturing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueueClosed indicates the queue no longer accepts work
// ErrQueueClosedはキューが新規処理を受け付けないことを示す
var ErrQueueClosed = errors.New("バックグラウンドキューは停止済みです")

// queuedJob is a unit of deferred work
// queuedJobは遅延実行される処理単位
type queuedJob struct {
	id      string
	action  func(ctx context.Context) error
	timeout time.Duration
}

// InProcessQueue runs deferred work on worker goroutines inside the process
// InProcessQueueはプロセス内ワーカーで遅延処理を実行する
type InProcessQueue struct {
	logger  *zap.Logger
	jobs    chan queuedJob
	workers int

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup // 送信中のEnqueue呼び出し
	wg      sync.WaitGroup
}

var _ BackgroundQueue = (*InProcessQueue)(nil)

// NewInProcessQueue creates a queue with the given buffer and worker count
// 指定バッファとワーカー数でキューを作成
func NewInProcessQueue(logger *zap.Logger, buffer, workers int) *InProcessQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	if workers <= 0 {
		workers = 1
	}

	return &InProcessQueue{
		logger:  logger,
		jobs:    make(chan queuedJob, buffer),
		workers: workers,
	}
}

// Start launches the worker goroutines
// ワーカーゴルーチンを起動
func (q *InProcessQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(i)
	}
	q.logger.Info("バックグラウンドキューを起動しました",
		zap.Int("workers", q.workers),
		zap.Int("buffer", cap(q.jobs)))
}

// Enqueue schedules an action and returns its job ID
// 処理を登録しジョブIDを返す
func (q *InProcessQueue) Enqueue(ctx context.Context, action func(ctx context.Context) error, timeout time.Duration) (string, error) {
	if action == nil {
		return "", NewValidationError("action", "処理が指定されていません", "")
	}

	// 停止判定と送信者登録を同一クリティカルセクションで行い、
	// チャネルクローズ後の送信を排除する
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	job := queuedJob{id: uuid.New().String(), action: action, timeout: timeout}

	// バッファ満杯時は呼び出し側のコンテキストに従って待機
	select {
	case q.jobs <- job:
		queueDepth.Inc()
		return job.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop drains pending jobs and waits for the workers to finish
// 残ジョブを処理しワーカー終了を待機
func (q *InProcessQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	// 進行中のEnqueueが送信を終えるまでクローズを遅延する
	q.senders.Wait()
	close(q.jobs)

	q.wg.Wait()
	q.logger.Info("バックグラウンドキューを停止しました")
}

// run is the worker loop
// runはワーカーループ
func (q *InProcessQueue) run(worker int) {
	defer q.wg.Done()

	for job := range q.jobs {
		queueDepth.Dec()
		q.execute(worker, job)
	}
}

func (q *InProcessQueue) execute(worker int, job queuedJob) {
	ctx := context.Background()
	if job.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job.action(ctx); err != nil {
		q.logger.Error("バックグラウンド処理が失敗しました",
			zap.String("job_id", job.id),
			zap.Int("worker", worker),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}

	q.logger.Debug("バックグラウンド処理が完了しました",
		zap.String("job_id", job.id),
		zap.Int("worker", worker),
		zap.Duration("elapsed", time.Since(start)))
}
