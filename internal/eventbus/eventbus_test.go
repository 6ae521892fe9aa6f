package eventbus

import "testing"

func TestDefaultAllowWhenNoSubscriber(t *testing.T) {
	b := New()
	var allowed bool
	var calls int
	b.PublishAuth(PublishEvent{StreamID: "cam"}, func(a bool, reason string) {
		allowed = a
		calls++
	})
	if !allowed || calls != 1 {
		t.Fatalf("expected default-allow exactly once, got allowed=%v calls=%d", allowed, calls)
	}
}

func TestSubscriberCanDeny(t *testing.T) {
	b := New()
	b.Subscribe(TopicMediaPublish, func(payload any) {
		ev := payload.(PublishEvent)
		ev.Invoker.Deny("no_subscriber_policy")
	})

	var allowed bool
	var reason string
	b.PublishAuth(PublishEvent{StreamID: "cam"}, func(a bool, r string) {
		allowed = a
		reason = r
	})
	if allowed {
		t.Fatalf("expected subscriber deny to win over default-allow")
	}
	if reason != "no_subscriber_policy" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestInvokerFiresExactlyOnceAcrossMultipleSubscribers(t *testing.T) {
	b := New()
	calls := 0
	decide := func(a bool, r string) { calls++ }

	b.Subscribe(TopicMediaPublish, func(payload any) {
		ev := payload.(PublishEvent)
		ev.Invoker.Allow()
		ev.Invoker.Allow() // double-call must still only count once
	})
	b.Subscribe(TopicMediaPublish, func(payload any) {
		ev := payload.(PublishEvent)
		ev.Invoker.Deny("late") // second subscriber's decision is a no-op
	})

	b.PublishAuth(PublishEvent{StreamID: "cam"}, decide)
	if calls != 1 {
		t.Fatalf("expected exactly one decision delivered, got %d", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var received int
	unsub := b.Subscribe(TopicFlowReport, func(payload any) { received++ })
	b.Publish(TopicFlowReport, FlowReportEvent{})
	unsub()
	b.Publish(TopicFlowReport, FlowReportEvent{})

	if received != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", received)
	}
}
