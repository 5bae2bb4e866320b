// Package latest holds the most recent captured frame for concurrent readers.
package latest

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

// Snapshot is an immutable view of one published frame. Neither the writer
// nor any reader may modify it after Store.
type Snapshot struct {
	Frame      *types.Frame      // Raw frame as read from the source
	Annotated  *image.RGBA       // Frame with boxes and overlay drawn, nil if not rendered
	Detections []types.Detection // Detections drawn on Annotated
}

// Cell is a single-writer, multi-reader slot. Store swaps the pointer and
// wakes waiters; readers never block the writer.
type Cell struct {
	ptr atomic.Pointer[Snapshot]

	mu      sync.Mutex
	changed chan struct{}
}

// NewCell returns an empty cell.
func NewCell() *Cell {
	return &Cell{changed: make(chan struct{})}
}

// Store publishes s as the latest snapshot.
func (c *Cell) Store(s *Snapshot) {
	c.ptr.Store(s)

	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Load returns the latest snapshot, or nil if nothing was stored yet.
func (c *Cell) Load() *Snapshot {
	return c.ptr.Load()
}

// Changed returns a channel closed by the next Store.
func (c *Cell) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}
