package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeRunChanged, Data: RunEvent{RunID: 1}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeRunChanged || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
		if re, ok := e.Data.(RunEvent); !ok || re.RunID != 1 {
			t.Fatalf("unexpected data %#v", e.Data)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: TypeRunResultAvailable})
	if e := <-c; e.Type != TypeRunResultAvailable {
		t.Fatalf("remaining subscriber missed event: %+v", e)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeRunChanged})
	}
	st := b.(Stats)
	if st.Published() != 3 || st.Dropped() != 2 {
		t.Fatalf("published=%d dropped=%d", st.Published(), st.Dropped())
	}
}
