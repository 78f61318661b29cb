package mcpservice

import (
	"context"
	"errors"
	"sync"

	"github.com/ibrohimislam/mcp-odoo/mcp"
)

// ErrFinalized is returned when writing after Result() was called.
var ErrFinalized = errors.New("result already finalized")

// ToolResponseWriter lets a tool handler compose its CallToolResult
// incrementally and emit progress along the way.
//
// Writers are safe for concurrent use within one request. Mutating methods
// fail fast on context cancellation, and writes after finalization return
// ErrFinalized. SendProgress forwards to the transport's ProgressReporter
// when one is present in the context and is a no-op otherwise.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SendProgress(progress, total float64) error
	// Result finalizes and returns the accumulated result. Idempotent.
	Result() *mcp.CallToolResult
}

// ToolResponseWriterTyped adds a typed structuredContent slot for tools built
// with NewToolWithOutput.
type ToolResponseWriterTyped[O any] interface {
	ToolResponseWriter
	SetStructured(v O)
}

type toolResponseWriter struct {
	ctx context.Context

	mu        sync.Mutex
	finalized bool
	blocks    []mcp.ContentBlock
	isError   bool
}

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx}
}

func (w *toolResponseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: "text", Text: text})
}

func (w *toolResponseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SendProgress(progress, total float64) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if pr, ok := ProgressFrom(w.ctx); ok {
		return pr.Report(w.ctx, progress, total)
	}
	return nil
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	return &mcp.CallToolResult{
		Content: append([]mcp.ContentBlock(nil), w.blocks...),
		IsError: w.isError,
	}
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

type toolResponseWriterTyped[O any] struct {
	ToolResponseWriter

	structured    O
	structuredSet bool
}

func (tw *toolResponseWriterTyped[O]) SetStructured(v O) {
	tw.structured = v
	tw.structuredSet = true
}
