package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-keeper/pkg/types"
)

const (
	reconnectWait = 5 * time.Second
	pingInterval  = 50 * time.Second
	readTimeout   = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout  = 10 * time.Second
)

// SnapshotFetcher refetches a fresh REST book snapshot for one token.
// The listener uses it to recover from a detected desync.
type SnapshotFetcher func(ctx context.Context, assetID string) (*types.BookResponse, error)

// PriceListener consumes the public market WebSocket channel for one
// token, keeps its ShadowBook current, and triggers the sync callback
// (debounced) whenever the book changes.
type PriceListener struct {
	url         string
	conditionID string
	assetID     string
	book        *ShadowBook
	fetch       SnapshotFetcher

	debounce    time.Duration
	lastTrigger time.Time
	onSync      func()

	conn   *websocket.Conn
	connMu sync.Mutex

	// now is replaceable in tests to exercise the debounce window.
	now func() time.Time

	logger *slog.Logger
}

// NewPriceListener creates a listener for one token's market feed.
// onSync fires at most once per debounce window; fetch recovers from
// desync and may be nil to disable recovery.
func NewPriceListener(wsURL, conditionID string, book *ShadowBook, fetch SnapshotFetcher, debounce time.Duration, onSync func(), logger *slog.Logger) *PriceListener {
	return &PriceListener{
		url:         wsURL,
		conditionID: conditionID,
		assetID:     book.AssetID(),
		book:        book,
		fetch:       fetch,
		debounce:    debounce,
		onSync:      onSync,
		now:         time.Now,
		logger:      logger.With("component", "price_listener"),
	}
}

// Run connects and maintains the WebSocket connection, reconnecting
// after a fixed wait on any failure. Blocks until ctx is cancelled.
func (l *PriceListener) Run(ctx context.Context) error {
	for {
		err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"wait", reconnectWait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectWait):
		}
	}
}

// Close closes the active connection, unblocking the read loop.
func (l *PriceListener) Close() error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *PriceListener) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	defer func() {
		l.connMu.Lock()
		conn.Close()
		l.conn = nil
		l.connMu.Unlock()
	}()

	sub := types.WSSubscribeMsg{
		Type:     "market",
		AssetIDs: []string{l.assetID},
	}
	if err := l.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	l.logger.Info("websocket connected", "asset_id", l.assetID)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go l.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		l.handleFrame(ctx, msg)
	}
}

// handleFrame processes one inbound frame: either a single event object
// or an array of events, each handled independently.
func (l *PriceListener) handleFrame(ctx context.Context, data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(trimmed, &events); err != nil {
			l.logger.Debug("ignoring malformed ws frame", "error", err)
			return
		}
		for _, ev := range events {
			l.handleEvent(ctx, ev)
		}
		return
	}

	l.handleEvent(ctx, trimmed)
}

func (l *PriceListener) handleEvent(ctx context.Context, data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		l.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			l.logger.Error("unmarshal book event", "error", err)
			return
		}
		if evt.Market != l.conditionID || evt.AssetID != l.assetID {
			return
		}
		l.book.ApplyBookEvent(evt)
		l.maybeTrigger()

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			l.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		matched := false
		desynced := false
		for _, pc := range evt.PriceChanges {
			if pc.AssetID != l.assetID {
				continue
			}
			matched = true
			if l.book.ApplyDelta(pc) {
				desynced = true
			}
		}
		if desynced {
			l.resync(ctx)
		}
		if matched {
			l.maybeTrigger()
		}

	default:
		l.logger.Debug("ignoring ws event", "type", envelope.EventType)
	}
}

// maybeTrigger invokes the sync callback unless one already fired within
// the debounce window. Events inside the window still mutate the book;
// only the callback is coalesced.
func (l *PriceListener) maybeTrigger() {
	if l.onSync == nil {
		return
	}
	now := l.now()
	if now.Sub(l.lastTrigger) < l.debounce {
		return
	}
	l.lastTrigger = now
	l.onSync()
}

// resync replaces the shadow book with a fresh REST snapshot after a
// desync signal.
func (l *PriceListener) resync(ctx context.Context) {
	if l.fetch == nil {
		l.logger.Warn("desync detected, no snapshot fetcher configured")
		return
	}
	resp, err := l.fetch(ctx, l.assetID)
	if err != nil {
		l.logger.Error("desync recovery fetch failed", "error", err)
		return
	}
	l.book.ApplyBookResponse(resp)
	l.logger.Info("shadow book resynced from snapshot", "asset_id", l.assetID)
}

func (l *PriceListener) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				l.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (l *PriceListener) writeJSON(v interface{}) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(v)
}

func (l *PriceListener) writeMessage(msgType int, data []byte) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(msgType, data)
}
