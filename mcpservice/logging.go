package mcpservice

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

// ErrInvalidLoggingLevel reports a level outside the protocol-defined set.
var ErrInvalidLoggingLevel = errors.New("invalid logging level")

// NewSlogLevelVarLogging maps client logging/setLevel requests onto a
// slog.LevelVar, adjusting the process-wide level for handlers built from
// the same variable.
func NewSlogLevelVarLogging(lv *slog.LevelVar) LoggingCapability {
	return &slogLevelVarLogging{lv: lv}
}

type slogLevelVarLogging struct{ lv *slog.LevelVar }

func (l *slogLevelVarLogging) SetLevel(ctx context.Context, _ sessions.Session, level mcp.LoggingLevel) error {
	if l == nil || l.lv == nil {
		return nil
	}
	lvl, ok := SlogLevel(level)
	if !ok {
		return ErrInvalidLoggingLevel
	}
	l.lv.Set(lvl)
	return nil
}

// SlogLevel maps a protocol logging level onto the nearest slog.Level.
// Notice collapses to info; critical and above collapse to error.
func SlogLevel(level mcp.LoggingLevel) (slog.Level, bool) {
	switch level {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug, true
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo, true
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn, true
	case mcp.LoggingLevelError, mcp.LoggingLevelCritical, mcp.LoggingLevelAlert, mcp.LoggingLevelEmergency:
		return slog.LevelError, true
	default:
		return 0, false
	}
}
