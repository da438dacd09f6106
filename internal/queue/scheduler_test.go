package queue

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// mockProcessor はProcessorのテスト用モック。
type mockProcessor struct {
	calls atomic.Int32
}

func (m *mockProcessor) ProcessPending(ctx context.Context) (*TickResult, error) {
	m.calls.Add(1)
	return &TickResult{}, nil
}

func TestScheduler_RunsImmediatelyThenOnTicker(t *testing.T) {
	processor := &mockProcessor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(processor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx, 50*time.Millisecond)
		close(done)
	}()

	// 起動直後の1回 + ティッカーによる実行を待つ
	deadline := time.After(2 * time.Second)
	for processor.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("ティックが実行されない: calls = %d", processor.calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後もスケジューラが停止しない")
	}
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	processor := &mockProcessor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := NewScheduler(processor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル済みコンテキストではすぐに停止するべき")
	}
}
