package async

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/pricethrottler/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	_, err := NewPool("slow", 0)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestPoolSubmitAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool("fast", 2)
	require.NoError(t, err)
	require.Equal(t, "fast", pool.Name())
	require.Equal(t, 2, pool.Width())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var count atomic.Int32
	for i := 0; i < 6; i++ {
		require.Eventually(t, func() bool {
			return pool.Submit(ctx, func(context.Context) error {
				count.Add(1)
				return nil
			}) == nil
		}, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return count.Load() == 6 }, time.Second, 5*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, 0, pool.Active())
}

func TestPoolActiveNeverExceedsWidth(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := NewPool("slow", 2)
	require.NoError(t, err)

	release := make(chan struct{})
	blocker := func(context.Context) error {
		<-release
		return nil
	}
	require.NoError(t, pool.Submit(context.Background(), blocker))
	require.NoError(t, pool.Submit(context.Background(), blocker))
	require.Equal(t, 2, pool.Active())
	require.Equal(t, 0, pool.Available())

	err = pool.Submit(context.Background(), blocker)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Equal(t, 2, pool.Active())

	close(release)
	require.Eventually(t, func() bool { return pool.Available() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolSubmitValidation(t *testing.T) {
	pool, err := NewPool("slow", 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, pool.Shutdown(context.Background())) }()

	err = pool.Submit(context.Background(), nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool("slow", 1)
	require.NoError(t, err)
	pool.Close()
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	var names []string
	pool, err := NewPool("fast", 2, WithErrorHandler(func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, name)
		reported = append(reported, err)
	}))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("subscriber exploded") }))
	require.NoError(t, pool.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	require.Equal(t, []string{"fast", "fast"}, names)
	var sawBoom, sawPanic bool
	for _, e := range reported {
		if errors.Is(e, boom) {
			sawBoom = true
		} else if e != nil && strings.Contains(e.Error(), "subscriber exploded") {
			sawPanic = true
		}
	}
	require.True(t, sawBoom)
	require.True(t, sawPanic)
	require.Equal(t, 0, pool.Active(), "active count must be released after a panic")
}

func TestPoolShutdownForcesCancellationAfterGrace(t *testing.T) {
	pool, err := NewPool("slow", 1)
	require.NoError(t, err)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	<-started

	graceCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Shutdown(graceCtx)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("outstanding task was not cancelled")
	}
	require.Eventually(t, func() bool { return pool.Active() == 0 }, time.Second, 5*time.Millisecond)
}
