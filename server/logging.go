package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/mcp"
)

func (s *Server) handleSetLevel(ctx context.Context, cc *ClientConn, req *jsonrpc.Request) (any, error) {
	params, err := decodeParams[mcp.SetLevelRequest](req)
	if err != nil {
		return nil, err
	}
	if !mcp.IsValidLoggingLevel(params.Level) {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: fmt.Sprintf("unknown logging level %q", params.Level),
		}
	}
	cc.mu.Lock()
	cc.logLevel = params.Level
	cc.mu.Unlock()
	return &mcp.EmptyResult{}, nil
}

// Log forwards a message to every connected client whose negotiated level
// admits it. Clients gate with logging/setLevel; until then the level is
// info.
func (s *Server) Log(ctx context.Context, level mcp.LoggingLevel, logger string, data any) {
	if !mcp.IsValidLoggingLevel(level) {
		return
	}
	params := mcp.LoggingMessageNotification{Level: level, Logger: logger, Data: data}
	for _, cc := range s.clients() {
		cc.mu.Lock()
		ready := cc.initialized
		minLevel := cc.logLevel
		cc.mu.Unlock()
		if !ready || level.Severity() < minLevel.Severity() {
			continue
		}
		if err := cc.conn.Notify(ctx, string(mcp.LoggingMessageNotificationMethod), params); err != nil {
			s.log.WarnContext(ctx, "server.log.forward.fail", slog.String("err", err.Error()))
		}
	}
}

// LogTo forwards a message to a single client, still subject to its level
// gate.
func (cc *ClientConn) LogTo(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	cc.mu.Lock()
	ready := cc.initialized
	minLevel := cc.logLevel
	cc.mu.Unlock()
	if !ready {
		return fmt.Errorf("client not initialized")
	}
	if level.Severity() < minLevel.Severity() {
		return nil
	}
	return cc.conn.Notify(ctx, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}
