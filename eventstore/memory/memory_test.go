package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/leehack/mcp-go/eventstore"
)

func appendAll(t *testing.T, store *Store, session string, payloads ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := store.Append(context.Background(), session, []byte(p))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func collect(t *testing.T, stream eventstore.Stream, n int) []eventstore.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]eventstore.Envelope, 0, n)
	for len(out) < n {
		ev, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("next failed after %d events: %v", len(out), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestSubscribeFromStartDeliversBacklog(t *testing.T) {
	store := New()
	appendAll(t, store, "s1", "a", "b", "c")

	stream, err := store.Subscribe(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()

	events := collect(t, stream, 3)
	for i, want := range []string{"a", "b", "c"} {
		if string(events[i].Data) != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, events[i].Data)
		}
	}
}

func TestResumeStrictlyAfterLastEventID(t *testing.T) {
	store := New()
	ids := appendAll(t, store, "s1", "e1", "e2", "e3", "e4", "e5")

	// Resume after the third event: exactly e4 and e5, in order, once each.
	stream, err := store.Subscribe(context.Background(), "s1", ids[2])
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()

	events := collect(t, stream, 2)
	if string(events[0].Data) != "e4" || string(events[1].Data) != "e5" {
		t.Fatalf("expected e4 then e5, got %q then %q", events[0].Data, events[1].Data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no further events, got %v", err)
	}
}

func TestLiveAppendsQueueBehindReplay(t *testing.T) {
	store := New()
	appendAll(t, store, "s1", "old1", "old2")

	stream, err := store.Subscribe(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()

	// A send racing the replay window lands after the backlog.
	appendAll(t, store, "s1", "live")

	events := collect(t, stream, 3)
	got := []string{string(events[0].Data), string(events[1].Data), string(events[2].Data)}
	if got[0] != "old1" || got[1] != "old2" || got[2] != "live" {
		t.Fatalf("expected backlog before live sends, got %v", got)
	}
}

func TestEventIDsStrictlyIncreasePerSession(t *testing.T) {
	store := New()
	ids := appendAll(t, store, "s1", "a", "b", "c")
	for i := 1; i < len(ids); i++ {
		if !(len(ids[i]) > len(ids[i-1]) || ids[i] > ids[i-1]) {
			t.Fatalf("event ids must increase: %v", ids)
		}
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	store := New()
	appendAll(t, store, "s1", "one")
	appendAll(t, store, "s2", "two")

	stream, err := store.Subscribe(context.Background(), "s2", "")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()

	events := collect(t, stream, 1)
	if string(events[0].Data) != "two" {
		t.Fatalf("expected only s2 events, got %q", events[0].Data)
	}
}

func TestNextBlocksUntilAppend(t *testing.T) {
	store := New()
	stream, err := store.Subscribe(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()

	got := make(chan eventstore.Envelope, 1)
	go func() {
		ev, nerr := stream.Next(context.Background())
		if nerr == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	appendAll(t, store, "s1", "wakeup")

	select {
	case ev := <-got:
		if string(ev.Data) != "wakeup" {
			t.Fatalf("expected the appended event, got %q", ev.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked reader never woke")
	}
}

func TestDropTerminatesStreamsAndForgetsEvents(t *testing.T) {
	store := New()
	appendAll(t, store, "s1", "a")

	stream, err := store.Subscribe(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stream.Close()
	collect(t, stream, 1)

	if err := store.Drop(context.Background(), "s1"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after drop, got %v", err)
	}
	if _, err := store.Append(context.Background(), "s1", []byte("late")); err != nil {
		// A drop forgets the session entirely, so a late append starts a
		// fresh log rather than failing.
		t.Fatalf("append after drop should start a fresh session, got %v", err)
	}
}

func TestClosedStreamFails(t *testing.T) {
	store := New()
	stream, err := store.Subscribe(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	_ = stream.Close()
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestManyEventsExactlyOnceAcrossReconnects(t *testing.T) {
	store := New()
	const total = 200

	for i := 0; i < total; i++ {
		appendAll(t, store, "s1", fmt.Sprintf("ev-%03d", i))
	}

	// Consume in chunks, reconnecting with the last seen id between them.
	var seen []string
	lastID := ""
	for len(seen) < total {
		stream, err := store.Subscribe(context.Background(), "s1", lastID)
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		chunk := collect(t, stream, min(37, total-len(seen)))
		_ = stream.Close()
		for _, ev := range chunk {
			seen = append(seen, string(ev.Data))
			lastID = ev.ID
		}
	}

	for i, got := range seen {
		want := fmt.Sprintf("ev-%03d", i)
		if got != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, got)
		}
	}
}
