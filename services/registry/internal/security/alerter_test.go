package security

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newAlerter(t *testing.T) *AuditAlerter {
	t.Helper()
	mr := miniredis.RunT(t)
	a := NewAuditAlerter(mr.Addr(), "", "test:alerts")
	if a == nil {
		t.Fatalf("expected alerter")
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestLoginFailuresAlertOncePerWindow(t *testing.T) {
	a := newAlerter(t)
	var alerts []Observation
	for range 15 {
		obs, err := a.Observe(context.Background(), EventLogin, OutcomeFail, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if obs.Triggered {
			alerts = append(alerts, obs)
		}
	}
	if len(alerts) != 1 || alerts[0].Count != 10 {
		t.Fatalf("expected a single alert at the threshold, got %+v", alerts)
	}
}

func TestCountersArePerClient(t *testing.T) {
	a := newAlerter(t)
	for range 9 {
		if _, err := a.Observe(context.Background(), EventRegister, OutcomeFail, "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	obs, err := a.Observe(context.Background(), EventRegister, OutcomeFail, "10.0.0.2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Triggered || obs.Count != 1 {
		t.Fatalf("second client should start its own count: %+v", obs)
	}
}

func TestRateLimitRuleMatchesAnyEvent(t *testing.T) {
	a := newAlerter(t)
	obs, err := a.Observe(context.Background(), "/auth/login", OutcomeRateLimited, "10.0.0.3")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.Count != 1 || obs.Threshold != 20 {
		t.Fatalf("expected the rate limit rule, got %+v", obs)
	}
}

func TestOutcomesWithoutRuleAreIgnored(t *testing.T) {
	a := newAlerter(t)
	for _, tc := range []struct{ event, outcome string }{
		{EventLogin, "success"},
		{EventLogin, OutcomeDenied},
	} {
		obs, err := a.Observe(context.Background(), tc.event, tc.outcome, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if obs.Count != 0 {
			t.Fatalf("%s/%s should not be counted: %+v", tc.event, tc.outcome, obs)
		}
	}
}

func TestNilAlerterIsSafe(t *testing.T) {
	if NewAuditAlerter(" ", "", "") != nil {
		t.Fatalf("expected nil alerter without an address")
	}
	var a *AuditAlerter
	if _, err := a.Observe(context.Background(), EventAccess, OutcomeDenied, "127.0.0.1"); err != nil {
		t.Fatalf("nil observe: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
