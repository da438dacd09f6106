package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/storepub/internal/model"
)

// mockQueueRepo はQueueRepositoryのテスト用モック。
// 回収ジョブが使用するRequeueStaleProcessingのみ動作を注入できる。
type mockQueueRepo struct {
	requeueFunc  func(ctx context.Context, gracePeriod time.Duration) (int64, error)
	requeueCalls atomic.Int32
}

func (m *mockQueueRepo) Insert(ctx context.Context, item *model.QueueItem) error { return nil }
func (m *mockQueueRepo) InsertBatch(ctx context.Context, items []*model.QueueItem) error {
	return nil
}
func (m *mockQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueItem, error) {
	return nil, nil
}
func (m *mockQueueRepo) ListDue(ctx context.Context, limit int) ([]*model.QueueItem, error) {
	return nil, nil
}
func (m *mockQueueRepo) UpdateState(ctx context.Context, item *model.QueueItem) error { return nil }
func (m *mockQueueRepo) CountByStatus(ctx context.Context) (*model.QueueStats, error) {
	return &model.QueueStats{}, nil
}

func (m *mockQueueRepo) RequeueStaleProcessing(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	m.requeueCalls.Add(1)
	if m.requeueFunc != nil {
		return m.requeueFunc(ctx, gracePeriod)
	}
	return 0, nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_PassesGracePeriod(t *testing.T) {
	var gotGrace time.Duration
	repo := &mockQueueRepo{
		requeueFunc: func(ctx context.Context, gracePeriod time.Duration) (int64, error) {
			gotGrace = gracePeriod
			return 3, nil
		},
	}

	job := NewJob(repo, newTestLogger(), 15*time.Minute)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if gotGrace != 15*time.Minute {
		t.Errorf("猶予期間 = %v, want 15m", gotGrace)
	}
}

func TestRun_ReturnsWrappedError(t *testing.T) {
	repoErr := errors.New("db unavailable")
	repo := &mockQueueRepo{
		requeueFunc: func(ctx context.Context, gracePeriod time.Duration) (int64, error) {
			return 0, repoErr
		},
	}

	job := NewJob(repo, newTestLogger(), 10*time.Minute)

	err := job.Run(context.Background())
	if !errors.Is(err, repoErr) {
		t.Fatalf("リポジトリのエラーがラップされて伝播するべき: %v", err)
	}
}

func TestNewJob_DefaultGracePeriod(t *testing.T) {
	job := NewJob(&mockQueueRepo{}, newTestLogger(), 0)

	if job.GracePeriod != 10*time.Minute {
		t.Errorf("GracePeriod = %v, want 10m", job.GracePeriod)
	}
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	repo := &mockQueueRepo{}
	job := NewJob(repo, newTestLogger(), 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 1*time.Hour)
		close(done)
	}()

	// 起動直後の1回目の実行を待つ
	deadline := time.After(2 * time.Second)
	for repo.requeueCalls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("起動直後に1回実行されるべき")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後もジョブが停止しない")
	}
}
