package liveproto

import (
	"sync"
	"testing"
	"time"
)

func TestWSWritePumpPrioritizesControlWrites(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	order := make([]string, 0, 3)

	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error {
		label := req.msg.ID
		if label == "" {
			label = req.msg.Kind
		}
		if label == "telemetry-1" {
			close(started)
			<-release
		}

		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil
	}, nil, 4, 4, 0, 0)
	defer pump.Close()

	errCh := make(chan error, 3)
	go func() {
		errCh <- pump.WriteJSON(Message{Kind: KindTelemetry, ID: "telemetry-1"})
	}()

	<-started

	lowReq := wsWriteRequest{
		msg:  Message{Kind: KindPush, ID: "push-2"},
		done: make(chan error, 1),
	}
	highReq := wsWriteRequest{
		msg:  Message{Kind: KindPing},
		done: make(chan error, 1),
	}
	pump.low <- lowReq
	pump.high <- highReq

	go func() { errCh <- <-lowReq.done }()
	go func() { errCh <- <-highReq.done }()

	close(release)

	for range 3 {
		if err := <-errCh; err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"telemetry-1", KindPing, "push-2"}
	if len(got) != len(want) {
		t.Fatalf("unexpected write order length: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected write order: got %v want %v", got, want)
		}
	}
}

func TestWSWritePumpCloseRejectsNewWrites(t *testing.T) {
	t.Parallel()

	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error { return nil }, nil, 1, 1, 0, 0)
	pump.Close()

	if err := pump.WriteJSON(Message{Kind: KindPing}); err != ErrWSWritePumpClosed {
		t.Fatalf("expected ErrWSWritePumpClosed, got %v", err)
	}
}

func TestWSWritePumpBackpressureClosesConnection(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	closed := make(chan struct{})

	pump := newWSWritePumpWithWriter(func(req wsWriteRequest) error {
		<-block
		return nil
	}, func() { close(closed) }, 1, 1, time.Second, 20*time.Millisecond)

	// First write occupies the writer, second fills the queue, third times out.
	go func() { _ = pump.WriteJSON(Message{Kind: KindTelemetry, ID: "a"}) }()
	go func() { _ = pump.WriteJSON(Message{Kind: KindTelemetry, ID: "b"}) }()
	time.Sleep(50 * time.Millisecond)

	if err := pump.WriteJSON(Message{Kind: KindTelemetry, ID: "c"}); err != ErrWSWritePumpBackpressure {
		t.Fatalf("expected ErrWSWritePumpBackpressure, got %v", err)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected backpressure to close the connection")
	}
}
