package stream

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"claude-relay/internal/errkind"
)

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Errorf("subscription %s did not close, got %d events", sub.ID, len(got))
			return got
		}
	}
}

func assertGapFree(t *testing.T, events []Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Fatalf("gap or duplicate at index %d: %d after %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
}

func TestBroker_SubscribeUnknownSession(t *testing.T) {
	b := NewBroker()
	_, err := b.Subscribe("nope")
	if !errors.Is(err, errkind.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBroker_PublishUnknownSession(t *testing.T) {
	b := NewBroker()
	if _, err := b.Publish("nope", Output(OriginStdout, "x")); !errors.Is(err, errkind.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBroker_LiveSubscriberGetsAllThenTerminal(t *testing.T) {
	b := NewBroker()
	b.Open("s1")

	sub, err := b.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.Publish("s1", Output(OriginStdout, fmt.Sprintf("line-%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if _, err := b.Publish("s1", Complete(true, 0)); err != nil {
		t.Fatalf("Publish terminal failed: %v", err)
	}

	got := drain(t, sub)
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	assertGapFree(t, got)
	if got[0].Seq != 1 {
		t.Errorf("expected first seq 1, got %d", got[0].Seq)
	}
	last := got[3]
	if last.Type != TypeComplete || !last.Terminal.Success || last.Terminal.ExitCode != 0 {
		t.Errorf("unexpected terminal event: %+v", last)
	}
	if sub.Err() != nil {
		t.Errorf("expected clean end, got %v", sub.Err())
	}
}

func TestBroker_PublishAfterTerminal(t *testing.T) {
	b := NewBroker()
	b.Open("s1")
	b.Publish("s1", Cancelled())

	if _, err := b.Publish("s1", Output(OriginStdout, "late")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if !b.Closed("s1") {
		t.Error("expected stream to be closed")
	}
}

func TestBroker_LateSubscriberReplaysClosedStream(t *testing.T) {
	b := NewBroker()
	b.Open("s1")
	b.Publish("s1", Output(OriginStdout, "a"))
	b.Publish("s1", Output(OriginStdout, "b"))
	b.Publish("s1", Failure("boom"))

	sub, err := b.Subscribe("s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	got := drain(t, sub)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[2].Type != TypeError {
		t.Errorf("expected error terminal, got %s", got[2].Type)
	}
}

func TestBroker_ReplayEvictsOldest(t *testing.T) {
	b := NewBroker(WithReplayCapacity(5))
	b.Open("s1")
	for i := 0; i < 10; i++ {
		b.Publish("s1", Output(OriginStdout, fmt.Sprintf("line-%d", i)))
	}

	sub, _ := b.Subscribe("s1")
	b.Publish("s1", Complete(true, 0))

	got := drain(t, sub)
	if len(got) != 6 {
		t.Fatalf("expected 5 replayed + terminal, got %d", len(got))
	}
	if got[0].Seq != 6 {
		t.Errorf("expected replay to start at seq 6, got %d", got[0].Seq)
	}
	assertGapFree(t, got)
}

func TestBroker_SlowSubscriberDisconnected(t *testing.T) {
	b := NewBroker(WithSubscriberBuffer(2))
	b.Open("s1")

	slow, _ := b.Subscribe("s1")
	fast, _ := b.Subscribe("s1")

	var fastGot []Event
	done := make(chan struct{})
	go func() {
		fastGot = drain(t, fast)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		b.Publish("s1", Output(OriginStdout, fmt.Sprintf("line-%d", i)))
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish("s1", Complete(true, 0))
	<-done

	slowGot := drain(t, slow)
	if !errors.Is(slow.Err(), ErrSlowSubscriber) {
		t.Errorf("expected slow subscriber error, got %v", slow.Err())
	}
	if len(slowGot) != 2 {
		t.Errorf("expected slow subscriber to keep its 2 queued events, got %d", len(slowGot))
	}
	assertGapFree(t, slowGot)

	if len(fastGot) != 6 {
		t.Errorf("expected fast subscriber to receive all 6 events, got %d", len(fastGot))
	}
}

func TestBroker_UnsubscribeIdempotent(t *testing.T) {
	b := NewBroker()
	b.Open("s1")
	sub, _ := b.Subscribe("s1")
	other, _ := b.Subscribe("s1")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if n := b.SubscriberCount("s1"); n != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", n)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected detached channel to be closed")
	}

	b.Publish("s1", Output(OriginStdout, "still flowing"))
	ev := <-other.Events()
	if ev.Payload != "still flowing" {
		t.Errorf("other subscriber affected by detach: %+v", ev)
	}

	b.Drop("s1")
	b.Unsubscribe(other)
}

func TestBroker_TruncateAndReopen(t *testing.T) {
	b := NewBroker()
	b.Open("s1")
	for i := 0; i < 5; i++ {
		b.Publish("s1", Output(OriginStdout, fmt.Sprintf("line-%d", i)))
	}
	b.Publish("s1", Complete(true, 0))

	if err := b.Truncate("s1", 3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	seq, _ := b.LastSequence("s1")
	if seq != 3 {
		t.Errorf("expected last sequence 3 after truncate, got %d", seq)
	}

	sub, _ := b.Subscribe("s1")
	got := drain(t, sub)
	if len(got) != 4 || got[3].Type != TypeComplete {
		t.Fatalf("expected 3 kept events plus terminal, got %d", len(got))
	}
	assertGapFree(t, got)

	b.Open("s1")
	ev, err := b.Publish("s1", Output(OriginStdout, "resumed"))
	if err != nil {
		t.Fatalf("Publish after reopen failed: %v", err)
	}
	if ev.Seq != 4 {
		t.Errorf("expected numbering to continue at 4, got %d", ev.Seq)
	}
	history, _ := b.Since("s1", 0)
	if len(history) != 4 {
		t.Errorf("expected 3 kept events plus the resumed one, got %d", len(history))
	}
}

func TestBroker_ReopenKeepsHistory(t *testing.T) {
	b := NewBroker()
	b.Open("s1")
	b.Publish("s1", Output(OriginStdout, "one"))
	b.Publish("s1", Output(OriginStdout, "two"))
	b.Publish("s1", Complete(true, 0))

	b.Open("s1")
	b.Publish("s1", Output(OriginStdout, "three"))

	history, _ := b.Since("s1", 0)
	if len(history) != 4 {
		t.Fatalf("expected both runs in history, got %d events", len(history))
	}
	for i, ev := range history {
		if ev.Seq != uint64(i+1) {
			t.Errorf("history[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	sub, _ := b.Subscribe("s1")
	b.Publish("s1", Failure("boom"))
	got := drain(t, sub)
	terminals := 0
	for _, ev := range got {
		if ev.IsTerminal() {
			terminals++
		}
	}
	if terminals != 1 || !got[len(got)-1].IsTerminal() {
		t.Fatalf("expected exactly one terminal at the end, got %d in %d events", terminals, len(got))
	}
	if got[len(got)-1].Type != TypeError {
		t.Errorf("expected the current run's terminal, got %s", got[len(got)-1].Type)
	}
}

func TestBroker_ResumeSeedsNumbering(t *testing.T) {
	b := NewBroker()
	b.Resume("s1", 6)
	b.Open("s1")
	ev, _ := b.Publish("s1", Output(OriginStdout, "after eviction"))
	if ev.Seq != 7 {
		t.Errorf("expected first event numbered 7, got %d", ev.Seq)
	}

	// Resume never lowers the numbering of a live stream.
	b.Resume("s1", 2)
	ev, _ = b.Publish("s1", Output(OriginStdout, "next"))
	if ev.Seq != 8 {
		t.Errorf("expected 8, got %d", ev.Seq)
	}

	b.Resume("s1", 20)
	ev, _ = b.Publish("s1", Output(OriginStdout, "raised"))
	if ev.Seq != 21 {
		t.Errorf("expected 21, got %d", ev.Seq)
	}
}

func TestBroker_ObserverSeesEveryEvent(t *testing.T) {
	var mu sync.Mutex
	var seen []uint64
	b := NewBroker(WithObserver(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Seq)
		mu.Unlock()
	}))
	b.Open("s1")
	b.Publish("s1", Output(OriginStdout, "a"))
	b.Publish("s1", Complete(true, 0))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected observer to see 2 events, got %d", len(seen))
	}
}

// Subscribers attaching at arbitrary points must each receive a gap-free,
// duplicate-free suffix of the canonical sequence ending in the terminal
// event.
func TestBroker_ConcurrentSubscribersReceiveSuffix(t *testing.T) {
	const total = 300
	b := NewBroker(WithReplayCapacity(total+1), WithSubscriberBuffer(total+1))
	b.Open("s1")

	var wg sync.WaitGroup
	results := make([][]Event, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			sub, err := b.Subscribe("s1")
			if err != nil {
				t.Errorf("Subscribe failed: %v", err)
				return
			}
			results[i] = drain(t, sub)
		}(i)
	}

	for i := 0; i < total; i++ {
		b.Publish("s1", Output(OriginStdout, fmt.Sprintf("line-%d", i)))
		if i%25 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	b.Publish("s1", Complete(true, 0))
	wg.Wait()

	for i, got := range results {
		if len(got) == 0 {
			t.Fatalf("subscriber %d received nothing", i)
		}
		assertGapFree(t, got)
		if got[0].Seq != 1 {
			t.Errorf("subscriber %d: replay should start at the earliest held event, got %d", i, got[0].Seq)
		}
		if last := got[len(got)-1]; last.Seq != total+1 || !last.IsTerminal() {
			t.Errorf("subscriber %d: expected terminal seq %d, got %+v", i, total+1, last)
		}
	}
}
