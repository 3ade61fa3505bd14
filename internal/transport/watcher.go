package transport

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/pkg/models"
)

// Watcher is the inbound side of the transport: a stream of messages
// the ingestion pipeline consumes.
type Watcher interface {
	Start(ctx context.Context) error
	Messages() <-chan models.InboundMessage
	Stop()
}

// DefaultPollInterval is how often the DB watcher looks for new rows.
const DefaultPollInterval = 2 * time.Second

// pollBatchLimit bounds one poll's result set so a huge backlog cannot
// stall the loop.
const pollBatchLimit = 200

// appleEpochOffset converts Apple's 2001-01-01 nanosecond timestamps
// to Unix time.
const appleEpochOffset = 978307200

// newMessagesQuery pulls rows past the cursor in rowid order.
const newMessagesQuery = `
	SELECT m.ROWID, m.guid, COALESCE(m.text, ''), m.is_from_me, m.date,
	       COALESCE(h.id, ''), COALESCE(c.guid, '')
	FROM message m
	LEFT JOIN handle h ON m.handle_id = h.ROWID
	LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
	LEFT JOIN chat c ON cmj.chat_id = c.ROWID
	WHERE m.ROWID > ?
	ORDER BY m.ROWID ASC
	LIMIT ?`

const maxRowidQuery = `SELECT COALESCE(MAX(ROWID), 0) FROM message`

// MessageDBPath resolves the transport message database, honoring the
// MSGCODE_MESSAGE_DB override.
func MessageDBPath() string {
	if p := os.Getenv("MSGCODE_MESSAGE_DB"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// DBWatcher polls the transport's message database for rows past the
// last seen rowid. Own messages are delivered too; the ingestion
// pipeline drops them.
type DBWatcher struct {
	db       *sql.DB
	interval time.Duration
	logger   *observability.Logger

	mu        sync.Mutex
	lastRowid int64
	cancel    context.CancelFunc
	done      chan struct{}
	out       chan models.InboundMessage
}

// NewDBWatcher wraps an open database handle. startRowid seeds the
// cursor; zero starts from the current tail so old history is not
// replayed.
func NewDBWatcher(db *sql.DB, startRowid int64, interval time.Duration, logger *observability.Logger) *DBWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &DBWatcher{
		db:        db,
		interval:  interval,
		logger:    logger,
		lastRowid: startRowid,
		out:       make(chan models.InboundMessage, 100),
	}
}

// OpenMessageDB opens the transport database read-only.
func OpenMessageDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open message db %s: %w", path, err)
	}
	return db, nil
}

// Start begins polling. When the cursor is unseeded it snaps to the
// database tail first.
func (w *DBWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("db watcher already started")
	}
	if w.lastRowid <= 0 {
		var tail int64
		if err := w.db.QueryRowContext(ctx, maxRowidQuery).Scan(&tail); err != nil {
			w.mu.Unlock()
			return fmt.Errorf("read message db tail: %w", err)
		}
		w.lastRowid = tail
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.pollLoop(ctx)
	return nil
}

// Messages returns the inbound stream. Closed after Stop.
func (w *DBWatcher) Messages() <-chan models.InboundMessage { return w.out }

// Stop cancels the poll loop and waits for it to exit.
func (w *DBWatcher) Stop() {
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

func (w *DBWatcher) pollLoop(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil && w.logger != nil {
				w.logger.Warn(ctx, "message db poll failed", "error", err.Error())
			}
		}
	}
}

// poll reads one batch past the cursor and forwards it. The cursor
// advances as rows are delivered, so a failed scan retries from the
// bad row rather than skipping it.
func (w *DBWatcher) poll(ctx context.Context) error {
	w.mu.Lock()
	since := w.lastRowid
	w.mu.Unlock()

	rows, err := w.db.QueryContext(ctx, newMessagesQuery, since, pollBatchLimit)
	if err != nil {
		return fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rowid          int64
			guid, text     string
			isFromMe       bool
			appleDate      int64
			handle, chatID string
		)
		if err := rows.Scan(&rowid, &guid, &text, &isFromMe, &appleDate, &handle, &chatID); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}
		msg := models.InboundMessage{
			ID:       guid,
			ChatID:   chatID,
			Text:     text,
			Sender:   handle,
			Handle:   handle,
			IsFromMe: isFromMe,
			Rowid:    rowid,
			Date:     appleTimestampToTime(appleDate),
		}
		select {
		case w.out <- msg:
			w.mu.Lock()
			if rowid > w.lastRowid {
				w.lastRowid = rowid
			}
			w.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
	return rows.Err()
}

// appleTimestampToTime converts the database's nanoseconds-since-2001
// format. Some older rows carry seconds instead; anything too small to
// be nanoseconds is treated that way.
func appleTimestampToTime(raw int64) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	if raw > 1e12 {
		return time.Unix(raw/1e9+appleEpochOffset, raw%1e9)
	}
	return time.Unix(raw+appleEpochOffset, 0)
}
