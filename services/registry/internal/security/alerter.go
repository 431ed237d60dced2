// Package security counts suspicious request outcomes per client and flags
// bursts worth an operator's attention.
package security

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Events observed by the registry API.
const (
	EventLogin         = "login"
	EventRegister      = "register"
	EventPasswordReset = "password.reset"
	EventAccess        = "access"

	OutcomeFail        = "fail"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "rate_limited"
)

// Rule is the burst size that raises an alert within one window.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// anyEvent matches every event for an outcome.
const anyEvent = "*"

// DefaultRules maps event/outcome pairs to their alert rule.
var DefaultRules = map[string]Rule{
	anyEvent + "/" + OutcomeRateLimited:    {Threshold: 20, Window: time.Minute},
	EventAccess + "/" + OutcomeDenied:      {Threshold: 25, Window: 5 * time.Minute},
	EventLogin + "/" + OutcomeFail:         {Threshold: 10, Window: 5 * time.Minute},
	EventRegister + "/" + OutcomeFail:      {Threshold: 10, Window: 5 * time.Minute},
	EventPasswordReset + "/" + OutcomeFail: {Threshold: 15, Window: 5 * time.Minute},
}

// Observation is the state of one client's counter after an event.
type Observation struct {
	Rule
	Count int64
	// Triggered is set only on the observation that reaches the threshold,
	// so each burst alerts once per window.
	Triggered bool
}

var bumpScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// AuditAlerter keeps its counters in Redis so every replica sees the same
// bursts. A nil alerter observes nothing.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	rules  map[string]Rule
}

// NewAuditAlerter returns nil when addr is empty.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "copyreg:alerts"
	}
	return &AuditAlerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		rules:  DefaultRules,
	}
}

func (a *AuditAlerter) rule(event, outcome string) (Rule, bool) {
	if r, ok := a.rules[event+"/"+outcome]; ok {
		return r, true
	}
	r, ok := a.rules[anyEvent+"/"+outcome]
	return r, ok
}

// Observe counts one outcome for the client at ip. Pairs without a rule are
// ignored.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (Observation, error) {
	if a == nil {
		return Observation{}, nil
	}
	event, outcome = strings.TrimSpace(event), strings.TrimSpace(outcome)
	rule, ok := a.rule(event, outcome)
	if !ok {
		return Observation{}, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := time.Now().UnixMilli() / windowMs
	key := strings.Join([]string{a.prefix, segment(event), segment(outcome), segment(ip), strconv.FormatInt(slot, 10)}, ":")

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := bumpScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return Observation{}, err
	}
	return Observation{Rule: rule, Count: n, Triggered: n == rule.Threshold}, nil
}

func (a *AuditAlerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}

var segmentReplacer = strings.NewReplacer(":", "_", " ", "_")

func segment(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(s)
}
