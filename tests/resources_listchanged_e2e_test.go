package tests

import (
	"net/http"
	"testing"
	"time"

	"github.com/ibrohimislam/mcp-odoo/mcp"
)

// TestResources_ListChanged_E2E: a model-set change (as after a credential
// rotation) reaches a connected client as notifications/resources/list_changed
// on its standalone SSE stream.
func TestResources_ListChanged_E2E(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	d := deployOdoo(t)
	sid := rawInitialize(t, d.srv)

	// Open the standalone stream in the background; the response headers only
	// arrive once the handler has subscribed.
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.srv.URL+"/", nil)
		if err != nil {
			errCh <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+testBearerToken)
		req.Header.Set("Mcp-Session-Id", sid)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	// Let the stream subscribe and wire its change emitters before the
	// notification fires.
	time.Sleep(150 * time.Millisecond)
	d.svc.NotifyModelsChanged(ctx)

	var resp *http.Response
	select {
	case err := <-errCh:
		t.Fatalf("get stream: %v", err)
	case resp = <-respCh:
	case <-ctx.Done():
		t.Fatalf("context done before stream headers: %v", ctx.Err())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get stream status %d", resp.StatusCode)
	}

	if err := waitForNotification(ctx, resp.Body, string(mcp.ResourcesListChangedNotificationMethod), 3*time.Second); err != nil {
		t.Fatalf("waiting for list_changed: %v", err)
	}
}
