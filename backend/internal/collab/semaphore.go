package collab

import (
	"context"
	"errors"
	"fmt"
)

var ErrSemaphoreTimeout = errors.New("semaphore acquire timed out")

// Semaphore 限制并发数：kafka 发送、房间加载（全量物化很吃内存）
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSemaphoreTimeout, ctx.Err())
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release failed, semaphore is not acquired")
	}
}
