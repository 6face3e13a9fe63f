package internal

import "context"

// Concurrent manages dispatching values to a handler with a configured
// maximum concurrency (0 means unlimited). It returns a function to send a
// value to the handlers and a cleanup function to stop accepting new work.
func Concurrent[T any](
	concurrency uint,
	handler func(context.Context, T),
) (func(context.Context, T), func()) {
	type args struct {
		ctx context.Context
		val T
	}

	if concurrency == 0 {
		return func(ctx context.Context, val T) {
			go handler(ctx, val)
		}, func() {}
	}

	dispatch := make(chan args)
	for i := uint(0); i < concurrency; i++ {
		go func() {
			for a := range dispatch {
				handler(a.ctx, a.val)
			}
		}()
	}

	return func(ctx context.Context, val T) {
		select {
		case dispatch <- args{ctx, val}:
		case <-ctx.Done():
		}
	}, func() { close(dispatch) }
}
