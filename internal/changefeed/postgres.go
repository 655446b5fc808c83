package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresChannel is the NOTIFY channel the accounts trigger writes to.
const PostgresChannel = "account_changes"

const (
	listenerMinReconnect = 500 * time.Millisecond
	listenerMaxReconnect = 30 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PostgresFeed listens for NOTIFY payloads emitted by the accounts table
// trigger and fans them out in-process. Rows are published by the database
// itself, so PostgresFeed only implements Subscriber.
type PostgresFeed struct {
	listener *pq.Listener
	hub      *Hub
	logger   *slog.Logger
}

// NewPostgresFeed opens a dedicated LISTEN connection.
func NewPostgresFeed(connString string, logger *slog.Logger) (*PostgresFeed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &PostgresFeed{hub: NewHub(logger), logger: logger}
	f.listener = pq.NewListener(connString, listenerMinReconnect, listenerMaxReconnect, f.onEvent)
	if err := f.listener.Listen(PostgresChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", PostgresChannel, err)
	}
	return f, nil
}

// Run pumps notifications into the hub until ctx ends.
func (f *PostgresFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-f.listener.Notify:
			// nil marks a re-established connection.
			if n == nil {
				continue
			}
			snap, err := decodeNotification(n.Extra)
			if err != nil {
				f.logger.Warn("changefeed: undecodable notification", slog.Any("error", err))
				continue
			}
			_ = f.hub.Publish(ctx, snap)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn("changefeed: listener ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// Subscribe registers interest in one account.
func (f *PostgresFeed) Subscribe(ctx context.Context, accountID string) (<-chan AccountSnapshot, error) {
	return f.hub.Subscribe(ctx, accountID)
}

// Close releases the LISTEN connection.
func (f *PostgresFeed) Close() error {
	f.hub.Disconnect()
	return f.listener.Close()
}

func (f *PostgresFeed) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		f.logger.Warn("changefeed: listener disconnected", slog.Any("error", err))
		f.hub.Disconnect()
	case pq.ListenerEventReconnected:
		f.logger.Info("changefeed: listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn("changefeed: listener reconnect failed", slog.Any("error", err))
	}
}

func decodeNotification(payload string) (AccountSnapshot, error) {
	var snap AccountSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return AccountSnapshot{}, err
	}
	if snap.AccountID == "" {
		return AccountSnapshot{}, fmt.Errorf("notification missing account_id")
	}
	return snap, nil
}
