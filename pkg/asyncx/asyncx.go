package asyncx

import (
	"context"
	"sync"
	"time"
)

// ─── Future ──────────────────────────────────────────────────────────────────

type outcome[T any] struct {
	value T
	err   error
}

// Future is a value computed in the background. Create one with Run.
type Future[T any] struct {
	done chan struct{}
	res  outcome[T]
}

// Run starts fn in a goroutine and returns its Future.
func Run[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res.value, f.res.err = fn()
	}()
	return f
}

// Await blocks until the computation finishes. It may be called any
// number of times from any goroutine.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.res.value, f.res.err
}

// AwaitContext is Await bounded by ctx. Giving up does not stop the
// underlying computation.
func (f *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res.value, f.res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the value is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// ─── Fan-out ─────────────────────────────────────────────────────────────────

// ForEach calls fn for every item concurrently and waits for all of them.
// It returns the first error in item order.
func ForEach[T any](ctx context.Context, items []T, fn func(context.Context, T) error) error {
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		go func() {
			defer wg.Done()
			errs[i] = fn(ctx, item)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ─── Retry ───────────────────────────────────────────────────────────────────

// RetryWithBackoff calls fn up to attempts times, sleeping between
// failures. The delay starts at initialDelay and doubles each time.
// onRetry, if not nil, is called before every sleep with the attempt
// number (starting at 1) and the error that caused it.
func RetryWithBackoff[T any](
	ctx context.Context,
	attempts int,
	initialDelay time.Duration,
	fn func(context.Context) (T, error),
	onRetry func(attempt int, err error),
) (T, error) {
	var (
		zero  T
		err   error
		delay = initialDelay
	)
	if attempts < 1 {
		attempts = 1
	}

	for i := 1; i <= attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		var val T
		val, err = fn(ctx)
		if err == nil {
			return val, nil
		}
		if i == attempts {
			break
		}

		if onRetry != nil {
			onRetry(i, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return zero, err
}
