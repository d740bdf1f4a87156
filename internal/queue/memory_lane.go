package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryLane runs tasks on in-process timers. Tasks pending at Close are
// dropped.
type MemoryLane struct {
	handler Handler
	retry   RetryPolicy
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryLane(h Handler, retry RetryPolicy, logger *slog.Logger) *MemoryLane {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryLane{
		handler: h,
		retry:   retry,
		log:     loggerOr(logger),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}
}

func (l *MemoryLane) Enqueue(ctx context.Context, lane string, t Task, delay time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	key := lane + "/" + t.ID
	if _, ok := l.timers[key]; ok {
		return nil
	}
	l.wg.Add(1)
	l.timers[key] = time.AfterFunc(delay, func() { l.fire(lane, key, t) })
	return nil
}

func (l *MemoryLane) fire(lane, key string, t Task) {
	defer l.wg.Done()
	l.mu.Lock()
	delete(l.timers, key)
	l.mu.Unlock()

	err := run(l.ctx, lane, l.handler, t, l.log)
	if err == nil || l.ctx.Err() != nil {
		return
	}
	delay, ok := l.retry.next(t)
	if !ok {
		l.log.Warn("task dropped after retries", "lane", lane, "task_id", t.ID, "attempts", t.Attempt+1)
		return
	}
	t.Attempt++
	if err := l.Enqueue(l.ctx, lane, t, delay); err != nil {
		l.log.Warn("task retry not scheduled", "lane", lane, "task_id", t.ID, "error", err)
	}
}

// Pending reports the number of scheduled tasks that have not fired yet.
func (l *MemoryLane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Close stops pending timers and waits for running tasks.
func (l *MemoryLane) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for key, tm := range l.timers {
		if tm.Stop() {
			l.wg.Done()
		}
		delete(l.timers, key)
	}
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
	return nil
}
