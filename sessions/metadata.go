package sessions

import "time"

// SessionState tracks the handshake phase of a session.
type SessionState string

const (
	// SessionStatePending is set at creation, before the client has sent
	// notifications/initialized.
	SessionStatePending SessionState = "pending"
	// SessionStateOpen is set once the initialized notification arrives.
	SessionStateOpen SessionState = "open"
)

// CapabilitySet records the client capability surface advertised during
// initialize. Booleans keep it cheap to serialize and compare. The server
// stores these for observability; it never calls back into them.
type CapabilitySet struct {
	Roots            bool `json:"roots,omitempty"`
	RootsListChanged bool `json:"roots_list_changed,omitempty"`
	Sampling         bool `json:"sampling,omitempty"`
	Elicitation      bool `json:"elicitation,omitempty"`
}

// ClientInfo records optional client identity details supplied at
// initialization, for logging only. All fields are optional.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SessionMetadata is the authoritative persisted representation of an MCP
// session.
//
// Fields marked immutable must not change after creation. Timestamps are
// wall-clock UTC. TTL is a sliding window: the host SHOULD expire a session
// once LastAccess + TTL < now (subject to touch debounce). If MaxLifetime > 0
// the host MUST also expire the session once CreatedAt + MaxLifetime < now
// regardless of activity.
type SessionMetadata struct {
	MetaVersion     int           `json:"meta_version"`               // for forward migration; starts at 1
	SessionID       string        `json:"session_id"`                 // immutable
	UserID          string        `json:"user_id"`                    // immutable
	ProtocolVersion string        `json:"protocol_version,omitempty"` // immutable after handshake
	Client          ClientInfo    `json:"client,omitempty"`           // immutable
	Capabilities    CapabilitySet `json:"capabilities,omitempty"`     // immutable

	State    SessionState `json:"state"`
	LogLevel string       `json:"log_level,omitempty"` // last logging/setLevel value

	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	MaxLifetime time.Duration `json:"max_lifetime,omitempty"`

	Revoked bool `json:"revoked"`
}

// Expired reports whether the record is past its sliding TTL or absolute
// lifetime at the given instant.
func (m *SessionMetadata) Expired(now time.Time) bool {
	if m.TTL > 0 && m.LastAccess.Add(m.TTL).Before(now) {
		return true
	}
	if m.MaxLifetime > 0 && m.CreatedAt.Add(m.MaxLifetime).Before(now) {
		return true
	}
	return false
}
