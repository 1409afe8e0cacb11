package payments

import "context"

// within runs call and stops waiting for it once ctx is done. inTime is false
// when ctx ended first, even if the call returned at the same moment: the
// result then arrived too late to be trusted.
func within[T any](ctx context.Context, call func(context.Context) T) (result T, inTime bool) {
	done := make(chan T, 1)
	go func() { done <- call(ctx) }()

	select {
	case result = <-done:
		return result, ctx.Err() == nil
	case <-ctx.Done():
		return result, false
	}
}
