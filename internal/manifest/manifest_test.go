package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestPublishAndReadLatest(t *testing.T) {
	dir := t.TempDir()
	m := NewFilesystemManifest(dir)
	if err := m.PublishLatest("sid-123", 42); err != nil {
		t.Fatalf("PublishLatest error: %v", err)
	}
	got, err := m.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.SnapshotID != "sid-123" || got.LastEventTS != 42 || got.CreatedAtEpochSecond == 0 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestReadLatest_Missing(t *testing.T) {
	_, err := NewFilesystemManifest(t.TempDir()).ReadLatest()
	if !errors.Is(err, ErrNoManifest) {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}
}

type recordingPublisher struct{ ids []string }

func (r *recordingPublisher) PublishLatest(id string, _ int64) error {
	r.ids = append(r.ids, id)
	return nil
}

func TestMultiPublisher(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{}
	if err := MultiPublisher(a, b).PublishLatest("x", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(a.ids) != 1 || len(b.ids) != 1 {
		t.Fatalf("expected both publishers called")
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

func TestKafkaManifest_PublishLatest_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	km := NewKafkaManifestWith(fk, DefaultKey)
	if err := km.PublishLatest("sid-abc", 99); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != DefaultKey {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var m Manifest
	if err := json.Unmarshal(fk.msgs[0].Value, &m); err != nil || m.LastEventTS != 99 {
		t.Fatalf("bad value %s: %v", fk.msgs[0].Value, err)
	}
}

func TestKafkaManifest_PublishLatest_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	km := NewKafkaManifestWith(fk, DefaultKey)
	if err := km.PublishLatest("sid-abc", 99); err == nil {
		t.Fatalf("expected error")
	}
}

// fakeReader replays a fixed set of messages and then reports io.EOF.
type fakeReader struct {
	msgs []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaReader_KeepsLastForKey(t *testing.T) {
	val := func(id string) []byte {
		b, _ := json.Marshal(Manifest{SnapshotID: id})
		return b
	}
	r := NewKafkaReaderWith(&fakeReader{msgs: []kafka.Message{
		{Key: []byte(DefaultKey), Value: val("one")},
		{Key: []byte("other"), Value: []byte("not json")},
		{Key: []byte(DefaultKey), Value: val("two")},
	}}, DefaultKey)
	got, err := r.ReadLatest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SnapshotID != "two" {
		t.Fatalf("expected last manifest, got %+v", got)
	}
}

func TestKafkaReader_Empty(t *testing.T) {
	_, err := NewKafkaReaderWith(&fakeReader{}, DefaultKey).ReadLatest()
	if !errors.Is(err, ErrNoManifest) {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}
}
