package permission

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func newTestBroker(ttl time.Duration) *Broker {
	return NewBroker(ttl, slog.Default())
}

func TestBrokerApprove(t *testing.T) {
	b := newTestBroker(time.Minute)

	notified := make(chan Request, 1)
	b.SetNotifier(func(req Request) { notified <- req })

	go func() {
		req := <-notified
		if err := b.Approve(req.ID, "tester"); err != nil {
			t.Errorf("approve: %v", err)
		}
	}()

	ok, err := b.Check(context.Background(), ModeUnsafe, "rm -rf ./build")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !ok {
		t.Error("approved request should pass")
	}
}

func TestBrokerDeny(t *testing.T) {
	b := newTestBroker(time.Minute)

	notified := make(chan Request, 1)
	b.SetNotifier(func(req Request) { notified <- req })

	go func() {
		req := <-notified
		if err := b.Deny(req.ID, "tester"); err != nil {
			t.Errorf("deny: %v", err)
		}
	}()

	ok, err := b.Check(context.Background(), ModeNetwork, "curl example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Error("denied request should not pass")
	}
}

func TestBrokerExpiry(t *testing.T) {
	b := newTestBroker(20 * time.Millisecond)

	_, err := b.Check(context.Background(), ModeUnsafe, "sleep 1")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestBrokerContextCancel(t *testing.T) {
	b := newTestBroker(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Check(ctx, ModeUnsafe, "sleep 1")
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
}

func TestBrokerDoubleResolve(t *testing.T) {
	b := newTestBroker(time.Minute)

	notified := make(chan Request, 1)
	b.SetNotifier(func(req Request) { notified <- req })

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-notified
		if err := b.Approve(req.ID, "first"); err != nil {
			t.Errorf("first approve: %v", err)
		}
		if err := b.Deny(req.ID, "second"); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
		}
	}()

	if _, err := b.Check(context.Background(), ModeUnsafe, "ls"); err != nil {
		t.Fatalf("check: %v", err)
	}
	<-done
}

func TestBrokerResolveUnknown(t *testing.T) {
	b := newTestBroker(time.Minute)
	if err := b.Approve("nope", "tester"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestBrokerPendingAndGet(t *testing.T) {
	b := newTestBroker(time.Minute)

	notified := make(chan Request, 1)
	b.SetNotifier(func(req Request) { notified <- req })

	checkDone := make(chan struct{})
	go func() {
		defer close(checkDone)
		b.Check(context.Background(), ModeNetwork, "curl example.com")
	}()

	req := <-notified
	pending := b.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	got, err := b.Get(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}
	if got.Script != "curl example.com" {
		t.Errorf("script = %q", got.Script)
	}

	if err := b.Approve(req.ID, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	<-checkDone

	got, err = b.Get(req.ID)
	if err != nil {
		t.Fatalf("get after approve: %v", err)
	}
	if got.Status != StatusApproved || got.ResolvedBy != "tester" {
		t.Errorf("resolved request = %+v", got)
	}
}

func TestBrokerCleanup(t *testing.T) {
	b := newTestBroker(10 * time.Millisecond)

	notified := make(chan Request, 1)
	b.SetNotifier(func(req Request) { notified <- req })

	go func() {
		req := <-notified
		b.Approve(req.ID, "tester")
	}()
	if _, err := b.Check(context.Background(), ModeUnsafe, "ls"); err != nil {
		t.Fatalf("check: %v", err)
	}

	// Resolved entries survive until twice the TTL has passed.
	time.Sleep(30 * time.Millisecond)
	b.Cleanup()

	if n := len(b.Pending()); n != 0 {
		t.Errorf("pending after cleanup = %d, want 0", n)
	}
}
