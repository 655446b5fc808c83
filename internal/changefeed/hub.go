package changefeed

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBuffer = 16

type subscription struct {
	ch chan AccountSnapshot
}

// Hub is an in-process fan-out feed. Slow subscribers lose messages instead of
// blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub builds an empty in-memory feed.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: defaultBuffer,
		logger: logger,
	}
}

// Publish fans the snapshot out to every subscriber of its account.
func (h *Hub) Publish(_ context.Context, snap AccountSnapshot) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[snap.AccountID] {
		select {
		case sub.ch <- snap:
		default:
			h.logger.Warn("changefeed subscriber lagging, snapshot dropped", slog.String("account_id", snap.AccountID))
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends.
func (h *Hub) Subscribe(ctx context.Context, accountID string) (<-chan AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{ch: make(chan AccountSnapshot, h.buffer)}

	h.mu.Lock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[*subscription]struct{})
	}
	h.subs[accountID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(accountID, sub)
	}()
	return sub.ch, nil
}

// Disconnect closes every live subscription without cancelling it, which
// subscribers observe as a dropped connection.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for accountID, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, accountID)
	}
}

// Subscribers reports the live subscription count for an account.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

func (h *Hub) remove(accountID string, sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[accountID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, accountID)
	}
}
