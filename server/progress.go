package server

import (
	"context"

	"github.com/leehack/mcp-go/mcp"
)

// ProgressReporter emits notifications/progress for one inbound request,
// correlated by the progress token the caller put in its _meta. The
// dispatch layer injects it into the handler context when the caller asked
// for progress; handlers retrieve it with ProgressFrom.
type ProgressReporter struct {
	cc    *ClientConn
	token mcp.ProgressToken
}

// Report sends a progress update to the calling client. Total may be zero
// when the amount of work is unknown.
func (p *ProgressReporter) Report(ctx context.Context, progress, total float64) error {
	return p.ReportMessage(ctx, progress, total, "")
}

// ReportMessage is Report with a human-readable status line.
func (p *ProgressReporter) ReportMessage(ctx context.Context, progress, total float64, message string) error {
	return p.cc.conn.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

type progressKey struct{}

// withProgress attaches a reporter when the request carried a progress
// token. The token is forwarded opaquely.
func withProgress(ctx context.Context, cc *ClientConn, meta *mcp.ParamsMeta) context.Context {
	if meta == nil || meta.ProgressToken == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, &ProgressReporter{cc: cc, token: meta.ProgressToken})
}

// ProgressFrom retrieves the reporter for the request being served. The
// second return is false when the caller did not ask for progress.
func ProgressFrom(ctx context.Context) (*ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(*ProgressReporter)
	return pr, ok
}
