package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/msgcode/msgcode/internal/backoff"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/pkg/models"
)

// streamEvent is one frame of the transport's websocket feed. Only
// message events are consumed; everything else is ignored.
type streamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const streamMessageEvent = "message"

// StreamWatcher subscribes to the transport's websocket event stream.
// It reconnects with backoff when the connection drops; the DB poller
// remains the fallback when stream mode is unavailable.
type StreamWatcher struct {
	url    string
	dialer *websocket.Dialer
	logger *observability.Logger
	policy backoff.Policy

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	out    chan models.InboundMessage
}

// NewStreamWatcher builds a watcher against the ws:// event URL.
func NewStreamWatcher(url string, logger *observability.Logger) *StreamWatcher {
	return &StreamWatcher{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger,
		policy: backoff.Reconnect(),
		out:    make(chan models.InboundMessage, 100),
	}
}

// Start begins the read loop.
func (w *StreamWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return fmt.Errorf("stream watcher already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Messages returns the inbound stream. Closed after Stop.
func (w *StreamWatcher) Messages() <-chan models.InboundMessage { return w.out }

// Stop cancels the read loop and waits for it to exit.
func (w *StreamWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *StreamWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.readConnection(ctx); err != nil && w.logger != nil {
			w.logger.Warn(ctx, "transport stream dropped", "error", err.Error(), "attempt", attempt)
		}
		if ctx.Err() != nil {
			return
		}
		attempt++
		if err := w.policy.Sleep(ctx, attempt); err != nil {
			return
		}
	}
}

// readConnection dials once and forwards message events until the
// connection fails or the context is cancelled.
func (w *StreamWatcher) readConnection(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream frame: %w", err)
		}
		msg, ok := DecodeStreamFrame(raw)
		if !ok {
			continue
		}
		select {
		case w.out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// DecodeStreamFrame parses one websocket frame into an inbound
// message. Non-message events and malformed frames are skipped.
func DecodeStreamFrame(raw []byte) (models.InboundMessage, bool) {
	var event streamEvent
	if err := json.Unmarshal(raw, &event); err != nil || event.Type != streamMessageEvent {
		return models.InboundMessage{}, false
	}
	var msg models.InboundMessage
	if err := json.Unmarshal(event.Data, &msg); err != nil {
		return models.InboundMessage{}, false
	}
	if msg.ChatID == "" {
		return models.InboundMessage{}, false
	}
	return msg, true
}
