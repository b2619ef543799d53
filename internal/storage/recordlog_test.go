package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/robolink/bridge-server/internal/sink"
)

func openTestLog(t *testing.T) *RecordLog {
	t.Helper()
	l, err := OpenRecordLog(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open record log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(topic string, seq int) sink.Record {
	return sink.Record{
		Topic:      topic,
		SchemaID:   "test/Msg",
		CapturedAt: time.Unix(0, int64(1000000+seq)).UTC(),
		Payload:    []byte(fmt.Sprintf("payload-%d", seq)),
	}
}

func TestAppendAndCount(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(context.Background(), testRecord("/odom", i)); err != nil {
			t.Fatalf("Failed to append record %d: %v", i, err)
		}
	}

	count, err := l.Count()
	if err != nil {
		t.Fatalf("Failed to count records: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 records, got %d", count)
	}
}

func TestAppendBatch(t *testing.T) {
	l := openTestLog(t)

	batch := []sink.Record{
		testRecord("/odom", 0),
		testRecord("/scan", 1),
		testRecord("/odom", 2),
	}
	if err := l.AppendBatch(context.Background(), batch); err != nil {
		t.Fatalf("Failed to append batch: %v", err)
	}
	if err := l.AppendBatch(context.Background(), nil); err != nil {
		t.Errorf("Empty batch should be a no-op: %v", err)
	}

	count, err := l.Count()
	if err != nil {
		t.Fatalf("Failed to count records: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 records, got %d", count)
	}

	topics, err := l.Topics()
	if err != nil {
		t.Fatalf("Failed to list topics: %v", err)
	}
	if len(topics) != 2 || topics[0] != "/odom" || topics[1] != "/scan" {
		t.Errorf("Expected sorted distinct topics, got %v", topics)
	}
}

func TestReplayPreservesOrder(t *testing.T) {
	l := openTestLog(t)

	// Interleave single appends and a batch to make sure replay order is
	// append order, not per-topic or per-call order.
	if err := l.Append(context.Background(), testRecord("/scan", 0)); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := l.AppendBatch(context.Background(), []sink.Record{
		testRecord("/odom", 1),
		testRecord("/scan", 2),
	}); err != nil {
		t.Fatalf("Failed to append batch: %v", err)
	}
	if err := l.Append(context.Background(), testRecord("/odom", 3)); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	var got []sink.Record
	if err := l.Replay(context.Background(), func(rec sink.Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("Expected 4 replayed records, got %d", len(got))
	}
	for i, rec := range got {
		want := testRecord("", i)
		if string(rec.Payload) != string(want.Payload) {
			t.Errorf("Record %d out of order: got %q", i, rec.Payload)
		}
		if !rec.CapturedAt.Equal(want.CapturedAt) {
			t.Errorf("Record %d capture time lost: got %v, want %v", i, rec.CapturedAt, want.CapturedAt)
		}
	}
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Append(context.Background(), testRecord("/odom", i)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	stop := errors.New("stop replay")
	seen := 0
	err := l.Replay(context.Background(), func(sink.Record) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("Expected replay to stop after 2 records, saw %d", seen)
	}
}

func TestAppendAfterClose(t *testing.T) {
	l := openTestLog(t)
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Double close should be a no-op: %v", err)
	}

	if err := l.Append(context.Background(), testRecord("/odom", 0)); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Expected ErrLogClosed from Append, got %v", err)
	}
	if err := l.AppendBatch(context.Background(), []sink.Record{testRecord("/odom", 0)}); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Expected ErrLogClosed from AppendBatch, got %v", err)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenRecordLog(dir)
	if err != nil {
		t.Fatalf("Failed to open record log: %v", err)
	}
	if err := l.Append(context.Background(), testRecord("/odom", 0)); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close log: %v", err)
	}

	reopened, err := OpenRecordLog(dir)
	if err != nil {
		t.Fatalf("Failed to reopen record log: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count()
	if err != nil {
		t.Fatalf("Failed to count records: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 record after reopen, got %d", count)
	}
}
