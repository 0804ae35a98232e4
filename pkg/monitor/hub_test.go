package monitor

import "testing"

func TestHubRegisterAndPublish(t *testing.T) {
	h := NewHub(4)
	id, ch := h.Register()
	defer h.Unregister(id)

	h.Publish(Event{Type: EventStateChange, ProjectID: "p1", Connected: true})

	select {
	case e := <-ch:
		if e.ProjectID != "p1" || !e.Connected {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatalf("expected a buffered event")
	}
}

func TestHubDropsForSlowListener(t *testing.T) {
	h := NewHub(1)
	id, ch := h.Register()
	defer h.Unregister(id)

	h.Publish(Event{Type: EventDeliver})
	h.Publish(Event{Type: EventDeliver}) // dropped, buffer full

	<-ch
	select {
	case <-ch:
		t.Fatalf("expected the second event to have been dropped")
	default:
	}
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	h := NewHub(1)
	id, ch := h.Register()
	h.Unregister(id)

	_, ok := <-ch
	if ok {
		t.Fatalf("expected channel to be closed after unregister")
	}
}

func TestStateChangeAndDeliverSinks(t *testing.T) {
	h := NewHub(4)
	id, ch := h.Register()
	defer h.Unregister(id)

	h.StateChangeSink()("proj", true)
	h.DeliverSink()("proj", "lead", "hi", "env-1")

	first := <-ch
	if first.Type != EventStateChange || first.ProjectID != "proj" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := <-ch
	if second.Type != EventDeliver || second.Body != "hi" || second.Detail != "env-1" {
		t.Fatalf("unexpected second event: %+v", second)
	}
}
