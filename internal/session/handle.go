package session

import (
	"errors"
	"time"

	"github.com/rcliao/tiermem/internal/eventlog"
	"github.com/rcliao/tiermem/internal/memory"
	"github.com/rcliao/tiermem/internal/namespace"
)

// Handle is a live session: its namespace, event logger and memory manager.
type Handle struct {
	ID        string
	Namespace namespace.Namespace
	Logger    *eventlog.Logger
	Memory    *memory.Manager

	createdAt time.Time
}

// CreatedAt returns when the session was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Close shuts down the logger within its grace period and releases the memory manager.
func (h *Handle) Close() error {
	return errors.Join(h.Logger.Close(), h.Memory.Close())
}
