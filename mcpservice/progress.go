package mcpservice

import "context"

// ProgressReporter forwards progress updates for the in-flight request to the
// client. Transports inject an implementation into the request context;
// handler code reaches it through ToolResponseWriter.SendProgress or
// ProgressFrom.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64) error
}

type progressKey struct{}

// WithProgressReporter returns a context carrying pr.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom extracts the ProgressReporter from ctx, if any.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}
