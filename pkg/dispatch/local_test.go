package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/veristream-io/veristream/pkg/verify"
)

func sampleNotification(sessionID string, score int) Notification {
	return Notification{
		Kind:      KindResult,
		SessionID: sessionID,
		Score:     score,
		Status:    "active",
		Timestamp: time.Now().UTC(),
	}
}

func TestLocalBrokerFanOut(t *testing.T) {
	b := NewLocalBroker(8)
	defer func() { _ = b.Close() }()

	ch1, cancel1 := b.Subscribe("sess-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("sess-1")
	defer cancel2()
	other, cancelOther := b.Subscribe("sess-2")
	defer cancelOther()

	b.Publish(context.Background(), "sess-1", sampleNotification("sess-1", 90))

	for i, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.SessionID != "sess-1" || n.Score != 90 {
				t.Errorf("subscriber %d got %+v", i, n)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}

	select {
	case n := <-other:
		t.Errorf("wrong-session subscriber got %+v", n)
	default:
	}
}

func TestLocalBrokerDropsWhenFull(t *testing.T) {
	b := NewLocalBroker(2)
	defer func() { _ = b.Close() }()

	ch, cancel := b.Subscribe("sess-1")
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Publish(ctx, "sess-1", sampleNotification("sess-1", i))
	}

	if got := b.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}

	// The two buffered notifications are the oldest ones.
	for want := 0; want < 2; want++ {
		select {
		case n := <-ch:
			if n.Score != want {
				t.Errorf("got score %d, want %d", n.Score, want)
			}
		default:
			t.Fatalf("missing buffered notification %d", want)
		}
	}
}

func TestLocalBrokerCancelIdempotent(t *testing.T) {
	b := NewLocalBroker(0)
	defer func() { _ = b.Close() }()

	ch, cancel := b.Subscribe("sess-1")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}

	// Publishing to a session with no subscribers is a no-op.
	b.Publish(context.Background(), "sess-1", sampleNotification("sess-1", 90))
	if got := b.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
}

func TestLocalBrokerClose(t *testing.T) {
	b := NewLocalBroker(0)

	ch, cancel := b.Subscribe("sess-1")
	defer cancel()

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}

	// Subscribe after close yields an already closed channel.
	ch2, cancel2 := b.Subscribe("sess-1")
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Error("post-close subscription channel not closed")
	}

	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNotificationCarriesAlert(t *testing.T) {
	b := NewLocalBroker(0)
	defer func() { _ = b.Close() }()

	ch, cancel := b.Subscribe("sess-1")
	defer cancel()

	alert := verify.NewAlert(verify.AlertLowTrustScore, verify.SeverityMedium, "confidence warning: trust score 64")
	b.Publish(context.Background(), "sess-1", Notification{
		Kind:      KindAlert,
		SessionID: "sess-1",
		Score:     64,
		Status:    "active",
		Alert:     &alert,
		Timestamp: time.Now().UTC(),
	})

	select {
	case n := <-ch:
		if n.Kind != KindAlert {
			t.Errorf("kind = %s, want alert", n.Kind)
		}
		if n.Alert == nil || n.Alert.Severity != verify.SeverityMedium {
			t.Errorf("alert = %+v, want medium severity", n.Alert)
		}
	default:
		t.Fatal("no notification delivered")
	}
}

func TestLocalBrokerDropHandler(t *testing.T) {
	var droppedFor []string
	b := NewLocalBroker(1, WithDropHandler(func(sessionID string) {
		droppedFor = append(droppedFor, sessionID)
	}))
	defer func() { _ = b.Close() }()

	_, cancel := b.Subscribe("sess-1")
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Publish(ctx, "sess-1", sampleNotification("sess-1", i))
	}

	if len(droppedFor) != 2 {
		t.Fatalf("handler called %d times, want 2", len(droppedFor))
	}
	for _, id := range droppedFor {
		if id != "sess-1" {
			t.Errorf("handler saw session %q, want sess-1", id)
		}
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}
