// Package memoryhost provides a single-process sessions.SessionHost backed
// by in-memory maps. It is the default host for stdio and for HTTP
// deployments that do not need horizontal scale.
package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ibrohimislam/mcp-odoo/sessions"
)

const janitorInterval = time.Minute

// Host implements sessions.SessionHost in process memory.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	topics   map[string]map[int64]*topicSub
	subSeq   int64
	stop     chan struct{}
	stopOnce sync.Once
}

type event struct {
	id   int64
	data []byte
}

type sessionEntry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	meta   sessions.SessionMetadata
	log    []event
	nextID int64
	gone   bool
}

func newSessionEntry(meta *sessions.SessionMetadata) *sessionEntry {
	e := &sessionEntry{meta: *meta, nextID: 1}
	e.cond = sync.NewCond(&e.mu)
	return e
}

type topicSub struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue [][]byte
	done  bool
}

func New() *Host {
	h := &Host{
		sessions: make(map[string]*sessionEntry),
		topics:   make(map[string]map[int64]*topicSub),
		stop:     make(chan struct{}),
	}
	go h.janitor()
	return h
}

func (h *Host) janitor() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-t.C:
			h.expireSessions(now)
		}
	}
}

func (h *Host) expireSessions(now time.Time) {
	h.mu.Lock()
	var expired []*sessionEntry
	for id, ent := range h.sessions {
		ent.mu.Lock()
		if ent.meta.Expired(now) {
			expired = append(expired, ent)
			delete(h.sessions, id)
		}
		ent.mu.Unlock()
	}
	h.mu.Unlock()
	for _, ent := range expired {
		ent.mu.Lock()
		ent.gone = true
		ent.cond.Broadcast()
		ent.mu.Unlock()
	}
}

// lookup returns the live entry for sessionID, applying lazy expiry.
func (h *Host) lookup(sessionID string) (*sessionEntry, error) {
	h.mu.Lock()
	ent, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	ent.mu.Lock()
	expired := ent.meta.Expired(time.Now())
	ent.mu.Unlock()
	if expired {
		_ = h.DeleteSession(context.Background(), sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return ent, nil
}

// --- Metadata lifecycle ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata with id required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[meta.SessionID]; ok {
		return sessions.ErrSessionExists
	}
	h.sessions[meta.SessionID] = newSessionEntry(meta)
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	ent, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	cp := ent.meta
	return &cp, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(*sessions.SessionMetadata) error) error {
	ent, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	cp := ent.meta
	if err := fn(&cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	ent.meta = cp
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	ent, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.meta.LastAccess = time.Now().UTC()
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	ent, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	ent.mu.Lock()
	ent.gone = true
	ent.cond.Broadcast()
	ent.mu.Unlock()
	return nil
}

// --- Per-session messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	ent, err := h.lookup(sessionID)
	if err != nil {
		return "", err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.gone {
		return "", sessions.ErrSessionNotFound
	}
	ev := event{id: ent.nextID, data: append([]byte(nil), data...)}
	ent.nextID++
	ent.log = append(ent.log, ev)
	ent.cond.Broadcast()
	return strconv.FormatInt(ev.id, 10), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	ent, err := h.lookup(sessionID)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	// cursor is the id of the last already-consumed event; delivery starts
	// at cursor+1.
	var cursor int64
	if lastEventID == "" {
		cursor = ent.nextID - 1
	} else {
		n, perr := strconv.ParseInt(lastEventID, 10, 64)
		if perr != nil || n < 0 || n >= ent.nextID {
			ent.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
		cursor = n
	}
	ent.mu.Unlock()

	// Wake the cond loop when the caller goes away.
	stop := context.AfterFunc(ctx, func() {
		ent.mu.Lock()
		ent.cond.Broadcast()
		ent.mu.Unlock()
	})
	defer stop()

	ent.mu.Lock()
	for {
		if ent.gone {
			ent.mu.Unlock()
			return nil
		}
		if err := ctx.Err(); err != nil {
			ent.mu.Unlock()
			return err
		}

		// All retained events have contiguous ids starting at 1, so the
		// next event after cursor lives at index cursor.
		if int(cursor) < len(ent.log) {
			pending := make([]event, len(ent.log)-int(cursor))
			copy(pending, ent.log[cursor:])
			ent.mu.Unlock()
			for _, ev := range pending {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := handler(ctx, strconv.FormatInt(ev.id, 10), ev.data); err != nil {
					return err
				}
				cursor = ev.id
			}
			ent.mu.Lock()
			continue
		}

		ent.cond.Wait()
	}
}

// --- Topic fan-out ---

func (h *Host) PublishEvent(ctx context.Context, topic string, data []byte) error {
	h.mu.Lock()
	subs := make([]*topicSub, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	cp := append([]byte(nil), data...)
	for _, s := range subs {
		s.mu.Lock()
		if !s.done {
			s.queue = append(s.queue, cp)
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
	return nil
}

func (h *Host) SubscribeEvents(ctx context.Context, topic string, handler sessions.EventHandlerFunction) error {
	sub := &topicSub{}
	sub.cond = sync.NewCond(&sub.mu)

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[int64]*topicSub)
	}
	h.subSeq++
	id := h.subSeq
	h.topics[topic][id] = sub
	h.mu.Unlock()

	remove := func() {
		h.mu.Lock()
		delete(h.topics[topic], id)
		h.mu.Unlock()
		sub.mu.Lock()
		sub.done = true
		sub.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() {
		sub.mu.Lock()
		sub.cond.Broadcast()
		sub.mu.Unlock()
	})

	go func() {
		defer stop()
		defer remove()
		sub.mu.Lock()
		for {
			if err := ctx.Err(); err != nil {
				sub.mu.Unlock()
				return
			}
			if len(sub.queue) > 0 {
				pending := sub.queue
				sub.queue = nil
				sub.mu.Unlock()
				for _, msg := range pending {
					if ctx.Err() != nil {
						return
					}
					if err := handler(ctx, msg); err != nil {
						return
					}
				}
				sub.mu.Lock()
				continue
			}
			sub.cond.Wait()
		}
	}()
	return nil
}

func (h *Host) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	ents := make([]*sessionEntry, 0, len(h.sessions))
	for _, ent := range h.sessions {
		ents = append(ents, ent)
	}
	h.sessions = make(map[string]*sessionEntry)
	h.mu.Unlock()
	for _, ent := range ents {
		ent.mu.Lock()
		ent.gone = true
		ent.cond.Broadcast()
		ent.mu.Unlock()
	}
	return nil
}

var _ sessions.SessionHost = (*Host)(nil)
