package eventbus

import (
	"testing"
	"time"

	"gesha/types"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(16)
	pub := b.Connect("pub")
	sub := b.Connect("sub").Subscribe(types.EventModeChanged)

	pub.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeActive})

	select {
	case m := <-sub.Channel():
		ev, ok := m.Payload.(types.Event)
		if !ok {
			t.Fatalf("payload is not an Event: %#v", m.Payload)
		}
		if ev.Mode != types.ModeActive {
			t.Fatalf("mode = %v, want active", ev.Mode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWildcardSubscriptionSeesEveryKind(t *testing.T) {
	b := New(16)
	pub := b.Connect("pub")
	sub := b.Connect("sub").SubscribeAll()

	pub.Publish(types.Event{Kind: types.EventModeChanged, Mode: types.ModeBrew})
	pub.Publish(types.Event{Kind: types.EventPowerStateChanged, PowerOn: true})

	seen := map[types.EventKind]bool{}
	for i := 0; i < 2; i++ {
		ev, ok := sub.Next()
		if !ok {
			t.Fatal("subscription closed early")
		}
		seen[ev.Kind] = true
	}
	if !seen[types.EventModeChanged] || !seen[types.EventPowerStateChanged] {
		t.Fatalf("wildcard subscriber missed events: %v", seen)
	}
}

func TestRetainedEventReplayedToLateSubscriber(t *testing.T) {
	b := New(16)
	pub := b.Connect("pub")
	pub.PublishRetained(types.Event{Kind: types.EventTargetTemperatureChanged, TargetTemperatureC: 95})

	sub := b.Connect("late").Subscribe(types.EventTargetTemperatureChanged)
	ev, ok := sub.Next()
	if !ok {
		t.Fatal("expected retained event to be replayed")
	}
	if ev.TargetTemperatureC != 95 {
		t.Fatalf("target = %v, want 95", ev.TargetTemperatureC)
	}
}
