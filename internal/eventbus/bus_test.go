package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesEverySubscriberOnce(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "job.updated", Data: "j1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "job.updated" || e.Data != "j1" {
				t.Fatalf("unexpected event: %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatalf("expected publish time to be stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
		select {
		case e := <-ch:
			t.Fatalf("unexpected second delivery: %+v", e)
		default:
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: "x"})

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if got := b.Stats().Subscribers; got != 0 {
		t.Fatalf("subscribers=%d want 0", got)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if st := b.Stats(); st.Dropped != 9 || st.Published != 10 {
		t.Fatalf("stats=%+v want 10 published / 9 dropped", st)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, unsub := b.Subscribe(2)
			select {
			case <-ch:
			case <-time.After(5 * time.Millisecond):
			}
			unsub()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(Event{Type: "x"})
			}
		}()
	}
	wg.Wait()
	if got := b.Stats().Subscribers; got != 0 {
		t.Fatalf("subscribers=%d want 0", got)
	}
}
