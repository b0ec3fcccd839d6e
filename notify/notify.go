// Package notify is the outbound notification boundary. Delivery is
// fire-and-forget: a failure here never fails the workflow operation that
// triggered it.
package notify

import (
	"context"
	"log"
)

// Sender delivers one event to its recipients.
type Sender interface {
	Send(ctx context.Context, event string, recipients []string, payload map[string]any) error
}

// LogSender is the default sender: it logs instead of delivering. Production
// wires an email provider behind the same interface.
type LogSender struct{}

func (LogSender) Send(_ context.Context, event string, recipients []string, payload map[string]any) error {
	log.Printf("notify: %s -> %v payload=%v", event, recipients, payload)
	return nil
}
