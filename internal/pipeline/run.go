package pipeline

import (
	"context"
	"fmt"
	"net/http"
)

// HandlerFunc is business logic run under a trace. It returns its result,
// the HTTP status it answers with, and an error.
type HandlerFunc[R any] func(ctx context.Context) (R, int, error)

// Run begins the trace for in, runs fn with the root span in its context and
// finishes the pipeline. The result and error of fn are returned unchanged
// whatever happens to the trace. A panic in fn is recorded on the root span
// and the trace is flushed before the panic continues.
func Run[R any](ctx context.Context, c *Coordinator, in Inbound, fn HandlerFunc[R]) (R, error) {
	ctx, _ = c.Begin(ctx, in)

	defer func() {
		if p := recover(); p != nil {
			c.Finish(ctx, Outcome{
				StatusCode: http.StatusInternalServerError,
				Err:        fmt.Errorf("panic: %v", p),
			})
			panic(p)
		}
	}()

	result, status, err := fn(ctx)
	c.Finish(ctx, Outcome{StatusCode: status, Err: err})
	return result, err
}
