package engine

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// Handle is the capability to use the session's live engine. It is owned by
// the Session; callers must not retain it across Acquire calls or close it.
type Handle struct {
	id      string
	conn    Conn
	queue   *semaphore.Weighted
	missing []string
	readyAt time.Time
}

func newHandle(conn Conn, queue *semaphore.Weighted, missing []string) *Handle {
	return &Handle{
		id:      ulid.Make().String(),
		conn:    conn,
		queue:   queue,
		missing: missing,
		readyAt: time.Now().UTC(),
	}
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) ReadyAt() time.Time { return h.readyAt }

// MissingExtensions lists optional extensions that failed to load.
func (h *Handle) MissingExtensions() []string {
	if len(h.missing) == 0 {
		return nil
	}
	return append([]string{}, h.missing...)
}

// HasExtension reports false only for extensions that failed to load.
func (h *Handle) HasExtension(name string) bool {
	for _, m := range h.missing {
		if strings.EqualFold(m, strings.TrimSpace(name)) {
			return false
		}
	}
	return true
}

// Submit runs one script. Submissions from all callers pass through the
// session's single-slot queue, so the engine never sees two at once.
func (h *Handle) Submit(ctx context.Context, req Request) (Value, error) {
	if err := h.queue.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.queue.Release(1)
	return h.conn.Submit(ctx, req)
}
