package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsCoreErrorClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	re := NewRefused("play_auth", wrapped)
	if !IsCoreError(re) {
		t.Fatalf("expected IsCoreError=true for refused error")
	}
	if !stdErrors.Is(re, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var rerr *RefusedError
	if !stdErrors.As(re, &rerr) {
		t.Fatalf("expected errors.As to *RefusedError")
	}
	if rerr.Reason != "play_auth" {
		t.Fatalf("unexpected reason: %s", rerr.Reason)
	}

	if !IsCoreError(NewConflict("v1/live/cam")) {
		t.Fatalf("expected conflict classified as core")
	}
	if !IsCoreError(NewBadStreamID("")) {
		t.Fatalf("expected bad-stream-id classified as core")
	}
	if !IsCoreError(NewProtocol("decode.chunk", stdErrors.New("bad"))) {
		t.Fatalf("expected protocol error classified as core")
	}
	if !IsCoreError(NewTooManyRedirects(5)) {
		t.Fatalf("expected too-many-redirects classified as core")
	}
	if !IsCoreError(NewShutdown("peer closed")) {
		t.Fatalf("expected shutdown classified as core")
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeout(TimeoutBody, 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	which, ok := TimeoutWhich(to)
	if !ok || which != TimeoutBody {
		t.Fatalf("expected which=body, got %v ok=%v", which, ok)
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("connection reset")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewTransport("socket.read", l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var cm coreMarker
	if !stdErrors.As(l2, &cm) {
		t.Fatalf("expected to match coreMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if IsCoreError(nil) {
		t.Fatalf("nil should not be core error")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
	if IsConflict(nil) || IsRefused(nil) || IsBadStreamID(nil) || IsTooManyRedirects(nil) {
		t.Fatalf("nil should not classify as any kind")
	}
}

func TestErrorStrings(t *testing.T) {
	cases := []error{
		NewRefused("no_subscriber_policy", nil),
		NewShutdown("admin_close"),
		NewTimeout(TimeoutHeader, 10*time.Second, nil),
		NewBadStreamID(""),
		NewTransport("dial", nil),
		NewProtocol("parse.pmt", nil),
		NewTooManyRedirects(5),
		NewConflict("v1/live/cam"),
	}
	for _, err := range cases {
		if err.Error() == "" {
			t.Fatalf("expected non-empty error string for %T", err)
		}
	}
}

func TestNegativePredicates(t *testing.T) {
	plain := stdErrors.New("plain")
	if IsCoreError(plain) {
		t.Fatalf("plain error shouldn't be core")
	}
	if IsTimeout(plain) {
		t.Fatalf("plain error shouldn't be timeout")
	}
	if IsConflict(plain) || IsRefused(plain) {
		t.Fatalf("plain error shouldn't classify as conflict/refused")
	}
}
