package mesh

import "context"

type traceKey struct{}

// ContextWithTrace threads an inbound request's trace through a handler so a
// nested dispatch relays the full hop chain instead of starting a fresh one.
func ContextWithTrace(ctx context.Context, trace []TraceEntry) context.Context {
	if len(trace) == 0 {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, trace)
}

func TraceFromContext(ctx context.Context) []TraceEntry {
	trace, _ := ctx.Value(traceKey{}).([]TraceEntry)
	return trace
}
