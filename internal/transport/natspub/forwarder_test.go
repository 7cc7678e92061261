package natspub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cabeat/internal/eventbus"
	logx "cabeat/pkg/logx"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    map[string][][]byte
	drained bool
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = map[string][][]byte{}
	}
	c.msgs[subj] = append(c.msgs[subj], data)
	return nil
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	c.drained = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) count(subj string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs[subj])
}

func TestSubjectPrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prefix, want string
	}{
		{"", "cabeat.events.job.failed"},
		{"ca.prod.", "ca.prod.job.failed"},
	}
	for _, tt := range tests {
		f := New(&fakeConn{}, Config{SubjectPrefix: tt.prefix}, logx.Nop())
		if got := f.Subject(eventbus.JobFailed); got != tt.want {
			t.Fatalf("subject = %q, want %q", got, tt.want)
		}
	}
}

func TestRunForwardsAndDrains(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	f := New(conn, Config{Buffer: 4}, logx.Nop())
	bus := eventbus.New()

	// Published before Run starts; the subscription already holds it.
	events, unsub := f.Subscribe(bus)
	defer unsub()
	bus.Publish(eventbus.Event{Type: eventbus.JobDispatched, Data: map[string]string{"id": "cache-crls"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, events) }()

	subj := f.Subject(eventbus.JobDispatched)
	deadline := time.Now().Add(2 * time.Second)
	for conn.count(subj) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.mu.Lock()
	var got eventbus.Event
	err := json.Unmarshal(conn.msgs[subj][0], &got)
	conn.mu.Unlock()
	if err != nil || got.Type != eventbus.JobDispatched {
		t.Fatalf("payload = %+v, %v", got, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !conn.drained {
		t.Fatal("connection not drained")
	}
}

func TestRunFlushesBufferedEventsOnUnsubscribe(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	f := New(conn, Config{Buffer: 8}, logx.Nop())
	bus := eventbus.New()

	events, unsub := f.Subscribe(bus)
	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.JobFinished})
	}
	unsub()

	if err := f.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := conn.count(f.Subject(eventbus.JobFinished)); n != 3 {
		t.Fatalf("forwarded = %d, want 3", n)
	}
	if !conn.drained {
		t.Fatal("connection not drained")
	}
}
