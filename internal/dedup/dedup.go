package dedup

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/stupiduntilnot/groupbot/internal/chat"
)

const (
	DefaultCapacity = 100
	DefaultRetain   = 50
)

// Window is a bounded per-conversation record of recently seen fingerprints.
// Once it holds more than capacity entries it keeps only the retain most
// recent ones.
type Window struct {
	capacity int
	retain   int

	mu    sync.Mutex
	order []string
	set   map[string]struct{}
}

// NewWindow creates a window. Non-positive arguments fall back to the defaults.
func NewWindow(capacity, retain int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retain <= 0 || retain > capacity {
		retain = capacity / 2
	}
	return &Window{
		capacity: capacity,
		retain:   retain,
		set:      make(map[string]struct{}),
	}
}

// Seen reports whether fp is in the window.
func (w *Window) Seen(fp string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.set[fp]
	return ok
}

// Record adds fp. Recording a fingerprint already present is a no-op.
func (w *Window) Record(fp string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.set[fp]; ok {
		return
	}
	w.order = append(w.order, fp)
	w.set[fp] = struct{}{}
	if len(w.order) <= w.capacity {
		return
	}
	drop := len(w.order) - w.retain
	for _, old := range w.order[:drop] {
		delete(w.set, old)
	}
	w.order = append([]string(nil), w.order[drop:]...)
}

// CheckAndRecord records fp and reports whether it was new.
func (w *Window) CheckAndRecord(fp string) bool {
	if w.Seen(fp) {
		return false
	}
	w.Record(fp)
	return true
}

// Len returns the number of fingerprints held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.order = nil
	w.set = make(map[string]struct{})
}

// Fingerprint derives the dedup key for a message. A native client id wins.
// Otherwise the key covers sender, content and the observed time truncated to
// bucket; bucket <= 0 drops the time component entirely.
func Fingerprint(msg chat.InboundMessage, bucket time.Duration) string {
	if msg.ID != "" {
		return "id:" + msg.ID
	}
	h := sha1.New()
	h.Write([]byte(msg.Sender))
	h.Write([]byte{0})
	h.Write([]byte(msg.Text))
	if bucket > 0 {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(msg.ObservedAt.Truncate(bucket).Unix(), 10)))
	}
	return "h:" + hex.EncodeToString(h.Sum(nil))
}
