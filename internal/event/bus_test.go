package event

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()

	var got []string
	b.Subscribe("BufReadPre", func(name string, data Data) {
		got = append(got, data["file"].(string))
	})

	b.Publish("BufReadPre", Data{"file": "main.go"})
	b.Publish("OtherEvent", Data{"file": "ignored.go"})

	if len(got) != 1 || got[0] != "main.go" {
		t.Errorf("handler saw %v, want [main.go]", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()

	calls := 0
	unsub := b.Subscribe("E", func(string, Data) { calls++ })

	b.Publish("E", nil)
	unsub()
	b.Publish("E", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.HasSubscribers("E") {
		t.Error("HasSubscribers() = true after unsubscribe")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := NewBus()

	b.Subscribe("E", func(string, Data) { panic("boom") })
	ran := false
	b.Subscribe("E", func(string, Data) { ran = true })

	b.Publish("E", nil) // must not panic
	if !ran {
		t.Error("second handler did not run after first panicked")
	}
}
