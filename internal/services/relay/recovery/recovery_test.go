package recovery

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/session"
	"github.com/frorz1/wss/internal/services/relay/storage"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// logStore serves a fixed log and can fail after yielding some rows.
type logStore struct {
	messages  []storage.Message
	failAfter int
	err       error
	// beforeFail runs just before the failure is yielded.
	beforeFail func()
	reads      int
}

func (s *logStore) Append(context.Context, string, string) (storage.AppendResult, error) {
	return storage.AppendResult{}, errors.New("read only")
}

func (s *logStore) ReadFrom(_ context.Context, after int64) iter.Seq2[storage.Message, error] {
	s.reads++
	return func(yield func(storage.Message, error) bool) {
		n := 0
		for _, msg := range s.messages {
			if msg.Sequence <= after {
				continue
			}
			if s.err != nil && n == s.failAfter {
				s.fail(yield)
				return
			}
			if !yield(msg, nil) {
				return
			}
			n++
		}
		if s.err != nil && n == s.failAfter {
			s.fail(yield)
		}
	}
}

func (s *logStore) fail(yield func(storage.Message, error) bool) {
	if s.beforeFail != nil {
		s.beforeFail()
	}
	yield(storage.Message{}, s.err)
}

func (s *logStore) LatestSequence(context.Context) (int64, error) {
	if len(s.messages) == 0 {
		return 0, nil
	}
	return s.messages[len(s.messages)-1].Sequence, nil
}

func (s *logStore) Close() error { return nil }

func gappedLog() []storage.Message {
	return []storage.Message{
		{Sequence: 1, Content: "a"},
		{Sequence: 2, Content: "b"},
		{Sequence: 3, Content: "c"},
		{Sequence: 5, Content: "e"},
	}
}

func next(t *testing.T, s *session.Session) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return e
}

func TestRecoverReplaysBeforeLiveEvents(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	s, err := reg.Register(session.Params{LastKnownSequence: 2})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// Live traffic racing the replay: 5 is also in the store, 6 is new.
	reg.Broadcast(bus.Accepted(5, "e", "w"), "")
	reg.Broadcast(bus.Accepted(6, "f", "w"), "")

	c, err := New(Config{Store: &logStore{messages: gappedLog()}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := c.Recover(context.Background(), s)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Replayed != 2 || report.LastSequence != 5 || report.Skipped || report.Degraded {
		t.Fatalf("report = %+v", report)
	}

	for _, want := range []int64{3, 5, 6} {
		if got := next(t, s).Sequence; got != want {
			t.Fatalf("sequence = %d, want %d", got, want)
		}
	}
}

func TestRecoverSkipsRecoveredSession(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	s, _ := reg.Register(session.Params{Recovered: true})
	store := &logStore{messages: gappedLog()}

	c, _ := New(Config{Store: store})
	report, err := c.Recover(context.Background(), s)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !report.Skipped || report.Replayed != 0 {
		t.Fatalf("report = %+v, want skipped", report)
	}
	if store.reads != 0 {
		t.Fatalf("store reads = %d, want 0", store.reads)
	}

	reg.Broadcast(bus.Accepted(9, "live", "w"), "")
	if got := next(t, s).Sequence; got != 9 {
		t.Fatalf("sequence = %d, want 9", got)
	}
}

func TestRecoverAdmitsOnReadFailure(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	s, _ := reg.Register(session.Params{})
	store := &logStore{messages: gappedLog(), failAfter: 1, err: errors.New("db locked")}

	c, _ := New(Config{Store: store, Policy: PolicyAdmit})
	report, err := c.Recover(context.Background(), s)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !report.Degraded || report.Replayed != 1 {
		t.Fatalf("report = %+v, want degraded with one replayed", report)
	}

	reg.Broadcast(bus.Accepted(7, "live", "w"), "")
	if got := next(t, s).Sequence; got != 1 {
		t.Fatalf("sequence = %d, want 1", got)
	}
	if got := next(t, s).Sequence; got != 7 {
		t.Fatalf("sequence = %d, want 7", got)
	}
}

func TestRecoverCountsReplayAndReadFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	reg := session.NewRegistry(session.Config{})
	s, _ := reg.Register(session.Params{})
	store := &logStore{messages: gappedLog(), failAfter: 2, err: errors.New("db locked")}

	c, err := New(Config{
		Store:         store,
		Policy:        PolicyAdmit,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Recover(context.Background(), s); err != nil {
		t.Fatalf("recover: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[m.Name] += dp.Value
				}
			}
		}
	}
	if got["relay.recovery.replayed_messages"] != 2 || got["relay.recovery.read_failures"] != 1 {
		t.Fatalf("counters = %v, want 2 replayed and 1 read failure", got)
	}
}

func TestRecoverDoesNotAdmitWhenContextEndsMidReplay(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	s, _ := reg.Register(session.Params{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &logStore{
		messages:   gappedLog(),
		failAfter:  1,
		err:        context.Canceled,
		beforeFail: cancel,
	}

	c, _ := New(Config{Store: store, Policy: PolicyAdmit})
	if _, err := c.Recover(ctx, s); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want %v", err, context.Canceled)
	}
	if s.Admitted() {
		t.Fatal("expected partially replayed session to stay gated")
	}
}

func TestRecoverRejectsOnReadFailure(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	s, _ := reg.Register(session.Params{})
	store := &logStore{err: storage.Transient(errors.New("offline"))}

	c, _ := New(Config{Store: store, Policy: PolicyReject})
	_, err := c.Recover(context.Background(), s)
	if !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("error = %v, want %v", err, ErrReplayRejected)
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("error = %v, want wrapped %v", err, storage.ErrUnavailable)
	}
}

func TestRecoverWithEmptyHistoryOpensSession(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	s, _ := reg.Register(session.Params{LastKnownSequence: 5})
	c, _ := New(Config{Store: &logStore{messages: gappedLog()}})

	report, err := c.Recover(context.Background(), s)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Replayed != 0 || report.LastSequence != 5 {
		t.Fatalf("report = %+v", report)
	}
	reg.Broadcast(bus.Accepted(6, "live", "w"), "")
	if got := next(t, s).Sequence; got != 6 {
		t.Fatalf("sequence = %d, want 6", got)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		raw     string
		want    Policy
		wantErr bool
	}{
		{raw: "", want: PolicyAdmit},
		{raw: "admit", want: PolicyAdmit},
		{raw: " Reject ", want: PolicyReject},
		{raw: "drop", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParsePolicy(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParsePolicy(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := New(Config{Store: &logStore{}, Policy: "maybe"}); err == nil {
		t.Fatal("expected unknown policy error")
	}
}
