// Package changelog records cart activity as an append-only event stream.
package changelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"bookmart/internal/cart"
	"bookmart/internal/model"
)

// Event is one cart mutation. Lines is the session's whole cart after the
// mutation in the persisted cart format, so replaying the last event of a
// session reproduces its cart exactly.
type Event struct {
	Session  string          `json:"session"`
	Op       cart.Op         `json:"op"`
	BookID   model.ItemID    `json:"bookId,omitempty"`
	Quantity int             `json:"quantity,omitempty"`
	Lines    json.RawMessage `json:"lines"`
	Items    int             `json:"items"`
	Subtotal string          `json:"subtotal"`
	TS       int64           `json:"ts"` // unix millis
}

// FileName is the JSONL file FileWriter appends to inside the changelog
// directory.
const FileName = "cart-events.jsonl"

type Writer interface {
	Append(ev Event) error
}

// NewEvent builds the event for a change observed on a session's cart.
func NewEvent(session string, c cart.Change, snap cart.Snapshot, now time.Time) (Event, error) {
	lines, err := cart.Encode(snap.Lines)
	if err != nil {
		return Event{}, fmt.Errorf("encode lines: %w", err)
	}
	return Event{
		Session:  session,
		Op:       c.Op,
		BookID:   c.BookID,
		Quantity: c.Quantity,
		Lines:    lines,
		Items:    snap.TotalItemCount,
		Subtotal: snap.Subtotal.StringFixed(2),
		TS:       now.UnixMilli(),
	}, nil
}

// Observer adapts w to a cart observer for one session. Append failures are
// logged and dropped; the cart mutation has already happened.
func Observer(session string, w Writer, log logrus.FieldLogger) cart.Observer {
	return func(c cart.Change, snap cart.Snapshot) {
		ev, err := NewEvent(session, c, snap, time.Now())
		if err == nil {
			err = w.Append(ev)
		}
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"session": session, "op": c.Op}).Warn("changelog append failed")
		}
	}
}

// MultiWriter fans out writes to multiple underlying writers. Every writer
// is tried; the first error is returned.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ev Event) error {
	var first error
	for _, w := range m.writers {
		if err := w.Append(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Instrumented counts appends on ok and failed.
func Instrumented(w Writer, ok, failed prometheus.Counter) Writer {
	return &instrumented{w: w, ok: ok, failed: failed}
}

type instrumented struct {
	w          Writer
	ok, failed prometheus.Counter
}

func (i *instrumented) Append(ev Event) error {
	if err := i.w.Append(ev); err != nil {
		i.failed.Inc()
		return err
	}
	i.ok.Inc()
	return nil
}

type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&ev); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Brokers splits a comma-separated bootstrap list.
func Brokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}
