package mcpservice

import (
	"context"
	"sync"
)

// ChangeNotifier is a small in-process fan-out used by containers to signal
// that a list changed, so listChanged notifications can reach clients.
// The zero value is ready to use.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every subscriber that something changed. Sends are
// non-blocking: a subscriber that has not drained its previous signal keeps
// the single pending one, which is enough to trigger a refresh.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	if cn.closed {
		return nil
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscriber registers and returns a signal channel. After Close the returned
// channel is already closed.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Close closes all subscriber channels. Further Notify calls are no-ops.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber is implemented by anything that can hand out change signal
// channels, typically a container embedding a ChangeNotifier.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

// pumpChanges runs fn on every change signal until ctx ends or the channel
// closes. It reports whether a pump was started; nil sub or fn starts none.
// The listChanged adapters for tools, resources and prompts all share it.
func pumpChanges(ctx context.Context, sub ChangeSubscriber, fn func()) bool {
	if sub == nil || fn == nil {
		return false
	}
	ch := sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()
	return true
}
