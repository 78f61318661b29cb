package tests

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// waitForNotification reads SSE frames from r until a JSON-RPC notification
// with the given method arrives. Only "data: " lines are considered; anything
// that does not decode as a JSON object is skipped. The wait is bounded by
// timeout regardless of how long the caller keeps the stream open.
func waitForNotification(parent context.Context, r io.ReadCloser, method string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out waiting for %s", method)
			}
			return fmt.Errorf("canceled waiting for %s: %w", method, ctx.Err())
		}
		payload, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &msg); err != nil {
			continue
		}
		if got, _ := msg["method"].(string); got == method {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stream error before %s: %w", method, err)
	}
	return fmt.Errorf("stream closed before %s", method)
}
