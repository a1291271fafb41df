package notify

import (
	"context"
	"log"
	"strings"
)

// ConsoleSender logs messages instead of sending them. For development.
type ConsoleSender struct {
	// Verbose also logs the rendered body.
	Verbose bool
}

func (c ConsoleSender) Send(_ context.Context, msg Message) error {
	log.Printf("notify/console: from=%s to=%s subject=%q", msg.From, strings.Join(msg.To, ","), msg.Subject)
	if c.Verbose {
		log.Printf("notify/console: body:\n%s", msg.HTMLBody)
	}
	return nil
}
