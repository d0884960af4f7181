// Package notify delivers operator notifications about high-priority
// recommendations and reverted improvements.
package notify

import (
	"context"
	"sync"
)

// Severity orders notifications for routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one message for operators.
type Notification struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Severity Severity          `json:"severity"`
	Source   string            `json:"source,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Notifier sends notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
