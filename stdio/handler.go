package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ibrohimislam/mcp-odoo/internal/engine"
	"github.com/ibrohimislam/mcp-odoo/internal/jsonrpc"
	"github.com/ibrohimislam/mcp-odoo/mcp"
	"github.com/ibrohimislam/mcp-odoo/mcpservice"
	"github.com/ibrohimislam/mcp-odoo/sessions"
	"github.com/ibrohimislam/mcp-odoo/sessions/memoryhost"
)

// maxLineBytes bounds a single JSON-RPC message on the pipe. Results larger
// than this should page instead.
const maxLineBytes = 8 * 1024 * 1024

// Handler is a single-connection stdio transport reading newline-delimited
// JSON-RPC from an io.Reader and writing responses and server notifications
// to an io.Writer. Defaults are os.Stdin and os.Stdout, with the peer
// identified via a UserProvider (OS user unless overridden).
//
// The handler is transport-only; all MCP semantics run in the shared engine
// over the provided mcpservice.ServerCapabilities.
type Handler struct {
	srv          mcpservice.ServerCapabilities
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider

	writeMu sync.Mutex
	serving atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader or ctx is
// canceled. It may be called at most once per Handler.
//
// The loop owns the whole lifecycle: the initialize handshake creates the
// one session this connection will ever have, subsequent requests and
// notifications are dispatched into the engine, and messages published to
// the session stream (listChanged and log notifications) are forwarded to
// the writer. The session is deleted when the loop exits.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.serving.CompareAndSwap(false, true) {
		return errors.New("stdio: Serve called more than once")
	}

	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("resolve user id: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	host := memoryhost.New()
	defer host.Close()

	eng := engine.NewEngine(host, h.srv, engine.WithLogger(h.l))
	go func() { _ = eng.Run(ctx) }()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case lines <- cp:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var sess *engine.SessionHandle
	defer func() {
		if sess != nil {
			_ = eng.DeleteSession(context.WithoutCancel(ctx), sess)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}

			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				_ = h.writeMsg(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
				continue
			}

			switch msg.Type() {
			case "response":
				// This server never issues requests toward the client, so
				// there is nothing to correlate a response with.
			case "notification":
				if sess == nil {
					continue
				}
				if err := eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
					h.l.ErrorContext(ctx, "stdio.notification.fail", slog.String("method", msg.Method), slog.String("err", err.Error()))
				}
			case "request":
				h.dispatchRequest(ctx, eng, &sess, userID, msg.AsRequest())
			}
		}
	}
}

func (h *Handler) dispatchRequest(ctx context.Context, eng *engine.Engine, sess **engine.SessionHandle, userID string, req *jsonrpc.Request) {
	if req.Method == string(mcp.InitializeMethod) {
		if *sess != nil {
			_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil))
			return
		}
		var initReq mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil))
			return
		}
		created, initRes, err := eng.InitializeSession(ctx, userID, &initReq)
		if err != nil {
			h.l.ErrorContext(ctx, "stdio.initialize.fail", slog.String("err", err.Error()))
			_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
			return
		}
		*sess = created
		go h.forwardStream(ctx, eng, created)

		resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
		if err != nil {
			h.l.ErrorContext(ctx, "stdio.initialize.encode.fail", slog.String("err", err.Error()))
			_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
			return
		}
		_ = h.writeMsg(resp)
		return
	}

	if *sess == nil {
		_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "server not initialized", nil))
		return
	}

	// Reload to pick up handshake-state changes and wire listChanged
	// emitters; the session is gone if the handshake TTL lapsed.
	cur, err := eng.LoadSession(ctx, (*sess).SessionID(), userID)
	if err != nil {
		_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session expired", nil))
		return
	}
	*sess = cur

	resp, err := eng.HandleRequest(ctx, cur, req)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.request.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		_ = h.writeMsg(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		return
	}
	if resp != nil {
		_ = h.writeMsg(resp)
	}
}

// forwardStream pumps the per-session stream (server-initiated
// notifications) onto the writer for the life of the connection.
func (h *Handler) forwardStream(ctx context.Context, eng *engine.Engine, sess *engine.SessionHandle) {
	err := eng.StreamSession(ctx, sess, "", func(ctx context.Context, msgID string, msg []byte) error {
		return h.writeRaw(msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.l.ErrorContext(ctx, "stdio.stream.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeMsg(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.writeRaw(b)
}

func (h *Handler) writeRaw(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	_, err := h.w.Write([]byte{'\n'})
	return err
}
