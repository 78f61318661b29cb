package engine

import (
	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/sessions"
)

var _ sessions.Session = (*SessionHandle)(nil)

// SessionHandle is an immutable snapshot of a session's metadata taken when
// the session was created or loaded. Capability code receives it as a
// sessions.Session; transports additionally read State for header decisions.
type SessionHandle struct {
	sessionID       string
	userID          string
	protocolVersion string
	state           sessions.SessionState
	logLevel        mcp.LoggingLevel
}

func NewSessionHandle(meta *sessions.SessionMetadata) *SessionHandle {
	s := &SessionHandle{
		sessionID:       meta.SessionID,
		userID:          meta.UserID,
		protocolVersion: meta.ProtocolVersion,
		state:           meta.State,
		logLevel:        mcp.LoggingLevelInfo,
	}
	if lvl := mcp.LoggingLevel(meta.LogLevel); mcp.IsValidLoggingLevel(lvl) {
		s.logLevel = lvl
	}
	return s
}

func (s *SessionHandle) SessionID() string {
	return s.sessionID
}

func (s *SessionHandle) UserID() string {
	return s.userID
}

func (s *SessionHandle) ProtocolVersion() string {
	return s.protocolVersion
}

// State is the handshake state at load time; it does not track later
// mutations of the stored record.
func (s *SessionHandle) State() sessions.SessionState {
	return s.state
}

// LogLevel is the client-requested logging verbosity persisted on the
// session, defaulting to info.
func (s *SessionHandle) LogLevel() mcp.LoggingLevel {
	return s.logLevel
}
