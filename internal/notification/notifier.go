// Package notification delivers alerts for actionable signal decisions to
// external channels (log, webhook, Telegram).
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"emarsi-trader/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel            `json:"level"`
	Title   string                `json:"title"`
	Message string                `json:"message"`
	UserID  string                `json:"user_id,omitempty"`
	Signal  *model.SignalDecision `json:"signal,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// AlertFromDecision builds the alert for a decision. Strong decisions are
// raised as warnings, everything else as info.
func AlertFromDecision(userID string, d model.SignalDecision) Alert {
	level := AlertInfo
	if d.Strength == model.StrengthStrong {
		level = AlertWarning
	}
	return Alert{
		Level:   level,
		Title:   fmt.Sprintf("%s %s %s on %s", d.Strength, d.Kind, d.Symbol, d.Exchange),
		Message: fmt.Sprintf("price %.8g, confidence %.1f: %s", d.Price, d.Confidence, d.Rationale),
		UserID:  userID,
		Signal:  &d,
	}
}

// LogNotifier logs alerts through slog (useful for development).
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-based notifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	n.logger.InfoContext(ctx, "[notify] "+alert.Title,
		"level", string(alert.Level),
		"user_id", alert.UserID,
		"message", alert.Message,
	)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher filters decisions before alerting: Hold and warm-up decisions
// are skipped, as are decisions below MinStrength and repeats of the last
// alerted kind for the same user and pair.
type Dispatcher struct {
	notifier    Notifier
	minStrength model.Strength

	mu   sync.Mutex
	last map[string]model.SignalKind

	// OnResult is called after each delivery attempt (for metrics).
	OnResult func(err error)
}

// NewDispatcher creates a Dispatcher alerting on decisions of at least
// minStrength.
func NewDispatcher(n Notifier, minStrength model.Strength) *Dispatcher {
	return &Dispatcher{
		notifier:    n,
		minStrength: minStrength,
		last:        make(map[string]model.SignalKind),
	}
}

var strengthRank = map[model.Strength]int{
	model.StrengthWeak:     0,
	model.StrengthModerate: 1,
	model.StrengthStrong:   2,
}

// Notify sends an alert for d if it passes the filters. sent reports
// whether delivery was attempted.
func (d *Dispatcher) Notify(ctx context.Context, userID string, dec model.SignalDecision) (sent bool, err error) {
	if dec.Kind == model.KindHold || dec.Insufficient {
		return false, nil
	}
	if strengthRank[dec.Strength] < strengthRank[d.minStrength] {
		return false, nil
	}

	key := userID + ":" + dec.Key()
	d.mu.Lock()
	prev, seen := d.last[key]
	if seen && prev == dec.Kind {
		d.mu.Unlock()
		return false, nil
	}
	d.last[key] = dec.Kind
	d.mu.Unlock()

	err = d.notifier.Send(ctx, AlertFromDecision(userID, dec))
	if err != nil {
		// Undelivered: let the next decision of this kind retry.
		d.mu.Lock()
		if d.last[key] == dec.Kind {
			if seen {
				d.last[key] = prev
			} else {
				delete(d.last, key)
			}
		}
		d.mu.Unlock()
	}
	if d.OnResult != nil {
		d.OnResult(err)
	}
	return true, err
}

// Prune forgets the last alerted kind of every "user:exchange:pair" key for
// which keep returns false, and returns how many were dropped.
func (d *Dispatcher) Prune(keep func(key string) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k := range d.last {
		if !keep(k) {
			delete(d.last, k)
			n++
		}
	}
	return n
}
