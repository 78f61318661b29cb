package redishost

import (
	"fmt"
	"testing"
	"time"

	"github.com/ibrohimislam/mcp-odoo/sessions"
	"github.com/ibrohimislam/mcp-odoo/sessions/sessionhosttest"
)

// TestRedisSessionHost runs the shared session host conformance suite
// against Redis. Without a reachable Redis instance the whole test skips.
func TestRedisSessionHost(t *testing.T) {
	probe, err := NewFromEnv()
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	_ = probe.Close()

	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		h, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		// Unique prefix per subtest keeps parallel runs from seeing each
		// other's keys.
		h.keyPrefix = fmt.Sprintf("mcp:sessions:test:%d:", time.Now().UnixNano())
		t.Cleanup(func() { _ = h.Close() })
		return h
	})
}
