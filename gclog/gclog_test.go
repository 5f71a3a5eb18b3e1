package gclog

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func seqs(events []Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

func TestJournalRing(t *testing.T) {
	j := NewJournal(3)
	for i := 0; i < 5; i++ {
		j.Record(Event{Kind: KindMinor})
	}
	if j.Len() != 3 {
		t.Fatalf("len %d", j.Len())
	}
	if diff := cmp.Diff([]uint64{3, 4, 5}, seqs(j.Recent(0))); diff != "" {
		t.Errorf("recent (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{4, 5}, seqs(j.Recent(2))); diff != "" {
		t.Errorf("recent 2 (-want +got):\n%s", diff)
	}
}

func TestJournalSubscribe(t *testing.T) {
	j := NewJournal(4)
	ch, cancel := j.Subscribe(2)
	j.Record(Event{Kind: KindFull, Reason: "explicit"})
	e := <-ch
	if e.Seq != 1 || e.Kind != KindFull || e.Time.IsZero() {
		t.Fatalf("got %+v", e)
	}
	// a full subscriber misses events instead of blocking the recorder
	for i := 0; i < 5; i++ {
		j.Record(Event{Kind: KindMinor})
	}
	cancel()
	n := 0
	for range ch {
		n++
	}
	if n != 2 {
		t.Fatalf("buffered %d events", n)
	}
	cancel()
}

type memorySink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *memorySink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestJournalSink(t *testing.T) {
	j := NewJournal(2)
	sink := &memorySink{}
	j.AddSink(sink, 16)
	for i := 0; i < 4; i++ {
		j.Record(Event{Kind: KindGrow})
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.closed {
		t.Error("sink not closed")
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4}, seqs(sink.events)); diff != "" {
		t.Errorf("sink (-want +got):\n%s", diff)
	}
}

func TestVerboseLog(t *testing.T) {
	var buf bytes.Buffer
	SetLoggerOutput(&buf)
	defer SetLoggerOutput(os.Stderr)
	j := NewJournal(1)
	j.SetVerbose(true)
	j.Record(Event{Kind: KindMinor, Reason: "allocation", UsedBefore: 100, UsedAfter: 10})
	if !strings.Contains(buf.String(), "GC:#1 minor allocation used 100->10") {
		t.Fatalf("log %q", buf.String())
	}
}

func sample() Event {
	return Event{
		Seq:        7,
		Time:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Kind:       KindFull,
		Scheme:     "genss",
		Reason:     "explicit",
		Requested:  64,
		UsedBefore: 4096,
		UsedAfter:  1024,
		Evacuated:  1024,
		Committed:  8192,
		Pause:      3 * time.Millisecond,
		Phases:     []Phase{{Name: "roots", Duration: time.Millisecond}},
	}
}

func TestEncodeJSON(t *testing.T) {
	data, err := EncodeJSON(sample())
	if err != nil {
		t.Fatal(err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sample(), got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestEncodeMsgpack(t *testing.T) {
	data, err := EncodeMsgpack(sample())
	if err != nil {
		t.Fatal(err)
	}
	var got Event
	if err := DecodeMsgpack(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindFull || got.UsedAfter != 1024 || len(got.Phases) != 1 || got.Phases[0].Name != "roots" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeProto(t *testing.T) {
	data, ctype, err := Encode(FormatProtobuf, sample())
	if err != nil {
		t.Fatal(err)
	}
	if ctype != "application/x-protobuf" {
		t.Errorf("content type %s", ctype)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	m := s.AsMap()
	if m["kind"] != "full" || m["used_after"] != float64(1024) {
		t.Fatalf("got %v", m)
	}
	if _, _, err := Encode("xml", sample()); err == nil {
		t.Fatal("unknown format accepted")
	}
}

func TestRedisSinkUnreachable(t *testing.T) {
	if _, err := DialRedis("127.0.0.1:1", "events", 10); err == nil {
		t.Fatal("dial of a closed port succeeded")
	}
}
