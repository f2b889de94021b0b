package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/frorz1/wss/internal/services/relay/bus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func overflowCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "relay.session.overflows" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s data = %T, want int64 sum", m.Name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func drain(t *testing.T, s *Session, n int) []bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events := make([]bus.Event, 0, n)
	for range n {
		e, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("next after %d events: %v", len(events), err)
		}
		events = append(events, e)
	}
	return events
}

func sequences(events []bus.Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Sequence)
	}
	return out
}

func assertNothingQueued(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if e, err := s.Next(ctx); err == nil {
		t.Fatalf("unexpected queued event %+v", e)
	}
}

func TestRegisterGeneratesIDsAndRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(Config{NewID: sequentialIDs()})

	first, err := reg.Register(Params{User: "ana"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.ID != "s1" || first.User != "ana" {
		t.Fatalf("session = %q/%q, want s1/ana", first.ID, first.User)
	}
	if _, err := reg.Register(Params{ID: "s1"}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate register error = %v, want %v", err, ErrExists)
	}
	if got, ok := reg.Get("s1"); !ok || got != first {
		t.Fatal("expected to find registered session")
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
}

func TestRegisterClampsNegativeSequence(t *testing.T) {
	reg := NewRegistry(Config{})
	s, err := reg.Register(Params{LastKnownSequence: -4})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.LastKnownSequence != 0 {
		t.Fatalf("last known sequence = %d, want 0", s.LastKnownSequence)
	}
	if s.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestGatedSessionHoldsLiveEventsUntilOpen(t *testing.T) {
	reg := NewRegistry(Config{NewID: sequentialIDs()})
	s, err := reg.Register(Params{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.Broadcast(bus.Accepted(3, "live", "w"), "")
	assertNothingQueued(t, s)

	for seq := int64(1); seq <= 2; seq++ {
		if err := s.Replay(context.Background(), bus.Accepted(seq, "old", "w")); err != nil {
			t.Fatalf("replay %d: %v", seq, err)
		}
	}
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	got := sequences(drain(t, s, 3))
	want := []int64{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequences = %v, want %v", got, want)
		}
	}
}

func TestOpenDropsHeldEventsCoveredByReplay(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})

	// 2 was accepted while the session was replaying and is also in the
	// store read.
	reg.Broadcast(bus.Accepted(2, "b", "w"), "")
	reg.Broadcast(bus.Accepted(4, "d", "w"), "")
	for _, seq := range []int64{1, 2, 3} {
		if err := s.Replay(context.Background(), bus.Accepted(seq, "x", "w")); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	got := sequences(drain(t, s, 4))
	want := []int64{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequences = %v, want %v", got, want)
		}
	}
	assertNothingQueued(t, s)
}

func TestOpenKeepsLowerSequencesMissingFromReplay(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})

	// 2 committed after the replay read, so only the live path carries it.
	reg.Broadcast(bus.Accepted(2, "late", "w"), "")
	for _, seq := range []int64{1, 3} {
		_ = s.Replay(context.Background(), bus.Accepted(seq, "x", "w"))
	}
	_ = s.Open()

	got := sequences(drain(t, s, 3))
	want := []int64{1, 3, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequences = %v, want %v", got, want)
		}
	}
}

func TestLateBusCopyOfReplayedMessageIsDropped(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})
	_ = s.Replay(context.Background(), bus.Accepted(1, "x", "w"))
	_ = s.Open()
	drain(t, s, 1)

	reg.Broadcast(bus.Accepted(1, "x", "w"), "")
	assertNothingQueued(t, s)

	reg.Broadcast(bus.Accepted(2, "y", "w"), "")
	if got := drain(t, s, 1)[0].Sequence; got != 2 {
		t.Fatalf("sequence = %d, want 2", got)
	}
}

func TestBroadcastSkipsOrigin(t *testing.T) {
	reg := NewRegistry(Config{NewID: sequentialIDs()})
	origin, _ := reg.Register(Params{User: "ana"})
	other, _ := reg.Register(Params{User: "bo"})
	_ = origin.Open()
	_ = other.Open()

	if n := reg.Broadcast(bus.Typing("ana", "w", origin.ID), origin.ID); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if got := drain(t, other, 1)[0]; got.Kind != bus.KindTyping || got.User != "ana" {
		t.Fatalf("event = %+v", got)
	}
	assertNothingQueued(t, origin)
}

func TestOverflowClosesAndRemovesSession(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	reg := NewRegistry(Config{
		OutboxSize:    2,
		NewID:         sequentialIDs(),
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	s, _ := reg.Register(Params{})
	_ = s.Open()

	for seq := int64(1); seq <= 3; seq++ {
		reg.Broadcast(bus.Accepted(seq, "m", "w"), "")
	}
	if !errors.Is(s.Err(), ErrOutboxFull) {
		t.Fatalf("session error = %v, want %v", s.Err(), ErrOutboxFull)
	}
	if _, ok := reg.Get(s.ID); ok {
		t.Fatal("expected overflowed session to be removed")
	}
	if n := overflowCount(t, reader); n != 1 {
		t.Fatalf("overflows = %d, want 1", n)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestGatedOverflowClosesSession(t *testing.T) {
	reg := NewRegistry(Config{OutboxSize: 1})
	s, _ := reg.Register(Params{})
	reg.Broadcast(bus.Accepted(1, "m", "w"), "")
	reg.Broadcast(bus.Accepted(2, "m", "w"), "")
	if !errors.Is(s.Err(), ErrOutboxFull) {
		t.Fatalf("session error = %v, want %v", s.Err(), ErrOutboxFull)
	}
}

func TestOpenOverflowIsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	reg := NewRegistry(Config{
		OutboxSize:    2,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	s, _ := reg.Register(Params{})
	for seq := int64(1); seq <= 2; seq++ {
		if err := s.Replay(context.Background(), bus.Accepted(seq, "m", "w")); err != nil {
			t.Fatalf("replay %d: %v", seq, err)
		}
	}
	reg.Broadcast(bus.Accepted(3, "m", "w"), "")

	if err := s.Open(); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("open error = %v, want %v", err, ErrOutboxFull)
	}
	if n := overflowCount(t, reader); n != 1 {
		t.Fatalf("overflows = %d, want 1", n)
	}
}

func TestReplayWaitsForWriter(t *testing.T) {
	reg := NewRegistry(Config{OutboxSize: 1})
	s, _ := reg.Register(Params{})

	done := make(chan error, 1)
	go func() {
		for seq := int64(1); seq <= 3; seq++ {
			if err := s.Replay(context.Background(), bus.Accepted(seq, "m", "w")); err != nil {
				done <- err
				return
			}
		}
		done <- s.Open()
	}()

	got := sequences(drain(t, s, 3))
	if err := <-done; err != nil {
		t.Fatalf("replay: %v", err)
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("sequences = %v, want [1 2 3]", got)
		}
	}
}

func TestReplayHonoursContext(t *testing.T) {
	reg := NewRegistry(Config{OutboxSize: 1})
	s, _ := reg.Register(Params{})
	_ = s.Replay(context.Background(), bus.Accepted(1, "m", "w"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Replay(ctx, bus.Accepted(2, "m", "w")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("replay error = %v, want deadline exceeded", err)
	}
}

func TestReplayStopsOnceContextEnds(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Replay(ctx, bus.Accepted(1, "m", "w")); !errors.Is(err, context.Canceled) {
		t.Fatalf("replay error = %v, want %v", err, context.Canceled)
	}
	if n := s.Pending(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestAdmittedOnlyAfterOpen(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})
	if s.Admitted() {
		t.Fatal("expected gated session not to be admitted")
	}
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.Admitted() {
		t.Fatal("expected open session to be admitted")
	}
	reg.Remove(s.ID)
	if s.Admitted() {
		t.Fatal("expected closed session not to be admitted")
	}
}

func TestUnreadAndWrittenCount(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})
	_ = s.Open()
	reg.Broadcast(bus.Accepted(1, "a", "w"), "")
	reg.Broadcast(bus.Presence(bus.KindOnline, "bo", "w", "other"), "")

	first := drain(t, s, 1)[0]
	s.Unread(first)
	again := drain(t, s, 2)
	if again[0].Sequence != 1 || again[1].Kind != bus.KindOnline {
		t.Fatalf("events = %+v", again)
	}
	for _, e := range again {
		s.Written(e)
	}
	if s.WrittenCount() != 1 {
		t.Fatalf("written = %d, want 1 (presence frames are not counted)", s.WrittenCount())
	}
}

func TestRemoveAndCloseEndSessions(t *testing.T) {
	reg := NewRegistry(Config{NewID: sequentialIDs()})
	a, _ := reg.Register(Params{})
	b, _ := reg.Register(Params{})

	if !reg.Remove(a.ID) {
		t.Fatal("expected remove to report true")
	}
	if reg.Remove(a.ID) {
		t.Fatal("expected second remove to report false")
	}
	if _, err := a.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("next error = %v, want %v", err, ErrClosed)
	}

	reg.Close()
	if reg.Len() != 0 {
		t.Fatalf("len = %d, want 0", reg.Len())
	}
	if !errors.Is(b.Err(), ErrClosed) {
		t.Fatalf("session error = %v, want %v", b.Err(), ErrClosed)
	}
}

func TestResumeMarksRecovered(t *testing.T) {
	reg := NewRegistry(Config{})
	s, _ := reg.Register(Params{})
	if s.Recovered() {
		t.Fatal("expected fresh session to be unrecovered")
	}
	s.Resume()
	if !s.Recovered() {
		t.Fatal("expected resumed session to be recovered")
	}
}
