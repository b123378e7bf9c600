package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bookmart/internal/cart"
	"bookmart/internal/model"
	"bookmart/internal/state"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	var got []Event
	for s.Scan() {
		var ev Event
		if err := json.Unmarshal(s.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, ev)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return got
}

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "cart-events.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	e1 := Event{Session: "s1", Op: cart.OpAdd, BookID: model.IntID(1), Quantity: 2, Lines: json.RawMessage(`[]`), TS: 1}
	e2 := Event{Session: "s2", Op: cart.OpClear, Lines: json.RawMessage(`[]`), TS: 2}
	if err := w.Append(e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(e2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	got := readEvents(t, filepath.Join(dir, "cart-events.jsonl"))
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].Session != "s1" || got[0].BookID != model.IntID(1) || got[1].Op != cart.OpClear || got[1].TS != 2 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestObserver_OneEventPerMutation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "events.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	c := cart.New(state.NewInMemoryStore(), quietLogger())
	c.Subscribe(Observer("s1", w, quietLogger()))

	dune := model.Book{ID: 1, Title: "Dune", Price: decimal.RequireFromString("10.00")}
	c.Add(dune, 2)
	c.Remove(model.IntID(99)) // absent id: no event
	c.SetQuantity(model.IntID(1), 3)
	c.Clear()

	got := readEvents(t, w.Path())
	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Op != cart.OpAdd || got[0].Items != 2 || got[0].Subtotal != "20.00" {
		t.Fatalf("bad add event: %+v", got[0])
	}
	lines, _, err := cart.Decode(got[1].Lines)
	if err != nil || len(lines) != 1 || lines[0].Quantity != 3 {
		t.Fatalf("bad set_quantity lines %s: %v", got[1].Lines, err)
	}
	if got[2].Op != cart.OpClear || string(got[2].Lines) != "[]" {
		t.Fatalf("bad clear event: %+v", got[2])
	}
}

type failingWriter struct{ n int }

func (f *failingWriter) Append(Event) error { f.n++; return errors.New("broker down") }

func TestObserver_FailureDoesNotPanicOrBlock(t *testing.T) {
	fw := &failingWriter{}
	c := cart.New(state.NewInMemoryStore(), quietLogger())
	c.Subscribe(Observer("s1", fw, quietLogger()))
	c.Add(model.Book{ID: 1}, 1)
	if fw.n != 1 {
		t.Fatalf("expected one attempt, got %d", fw.n)
	}
	if c.Snapshot().Quantity(model.IntID(1)) != 1 {
		t.Fatalf("mutation must stand despite append failure")
	}
}

type recordingWriter struct{ got []Event }

func (r *recordingWriter) Append(ev Event) error { r.got = append(r.got, ev); return nil }

func TestMultiWriter_TriesAll(t *testing.T) {
	a, b := &failingWriter{}, &recordingWriter{}
	m := NewMultiWriter(a, b)
	if err := m.Append(Event{Session: "s"}); err == nil {
		t.Fatalf("expected the first error")
	}
	if a.n != 1 || len(b.got) != 1 {
		t.Fatalf("expected both writers called, got %d and %d", a.n, len(b.got))
	}
}

func TestInstrumented(t *testing.T) {
	ok := prometheus.NewCounter(prometheus.CounterOpts{Name: "ok"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "failed"})
	_ = Instrumented(&recordingWriter{}, ok, failed).Append(Event{})
	_ = Instrumented(&failingWriter{}, ok, failed).Append(Event{})
	if testutil.ToFloat64(ok) != 1 || testutil.ToFloat64(failed) != 1 {
		t.Fatalf("unexpected counts ok=%v failed=%v", testutil.ToFloat64(ok), testutil.ToFloat64(failed))
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	ev := Event{Session: "s-1", Op: cart.OpAdd, BookID: model.IntID(3), Quantity: 1, Lines: json.RawMessage(`[]`), TS: 1}
	if err := kw.Append(ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != ev.Session {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	kw := NewKafkaWriterWith(fk)
	if err := kw.Append(Event{Session: "s-1", Lines: json.RawMessage(`[]`)}); err == nil {
		t.Fatalf("expected error")
	}
}

// fakeProducer answers every Produce with the configured delivery report.
type fakeProducer struct {
	msgs    []*ck.Message
	report  error
	silent  bool
	flushed bool
	closed  bool
}

func (f *fakeProducer) Produce(msg *ck.Message, delivery chan ck.Event) error {
	f.msgs = append(f.msgs, msg)
	if f.silent {
		return nil
	}
	out := *msg
	out.TopicPartition.Error = f.report
	delivery <- &out
	return nil
}

func (f *fakeProducer) Flush(int) int { f.flushed = true; return 0 }
func (f *fakeProducer) Close()        { f.closed = true }

func TestConfluentWriter_WaitsForDelivery(t *testing.T) {
	fp := &fakeProducer{}
	w := NewConfluentWriterWith(fp, "bookmart.cart-events")
	if err := w.Append(Event{Session: "s-9", Lines: json.RawMessage(`[]`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fp.msgs) != 1 || string(fp.msgs[0].Key) != "s-9" || *fp.msgs[0].TopicPartition.Topic != "bookmart.cart-events" {
		t.Fatalf("unexpected produced message: %+v", fp.msgs)
	}
	if err := w.Close(); err != nil || !fp.flushed || !fp.closed {
		t.Fatalf("close: err=%v flushed=%v closed=%v", err, fp.flushed, fp.closed)
	}
}

func TestConfluentWriter_DeliveryFailure(t *testing.T) {
	fp := &fakeProducer{report: errors.New("msg timed out")}
	w := NewConfluentWriterWith(fp, "t")
	if err := w.Append(Event{Session: "s", Lines: json.RawMessage(`[]`)}); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestConfluentWriter_NoReport(t *testing.T) {
	fp := &fakeProducer{silent: true}
	w := NewConfluentWriterWith(fp, "t")
	w.timeout = 10 * time.Millisecond
	if err := w.Append(Event{Session: "s", Lines: json.RawMessage(`[]`)}); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestBrokers(t *testing.T) {
	got := Brokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
}
