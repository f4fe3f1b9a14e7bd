package runloop

import (
	"context"
	"runtime/pprof"
)

type workerKey struct{}

// Go runs fn on a new goroutine tagged with a "worker" pprof label, so
// profiles of a busy daemon separate per-peer senders from the loop. Extra
// label pairs (key, value, ...) are attached alongside it. A nil ctx is
// treated as context.Background().
func Go(ctx context.Context, worker string, fn func(ctx context.Context), labels ...string) {
	if ctx == nil {
		ctx = context.Background()
	}
	set := pprof.Labels(append([]string{"worker", worker}, labels...)...)
	go pprof.Do(ctx, set, func(ctx context.Context) {
		fn(context.WithValue(ctx, workerKey{}, worker))
	})
}

// GoroutineName returns the worker name Go attached to ctx, or "".
func GoroutineName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(workerKey{}).(string)
	return name
}
