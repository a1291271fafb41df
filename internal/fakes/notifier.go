package fakes

import (
	"context"
	"sync"

	"github.com/pilotdata/authsvc/internal/notify"
)

// Notifier records notifications. Err, when set, is returned from every call.
type Notifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	Err  error
}

var _ notify.Notifier = (*Notifier)(nil)

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.Err
}

// Sent returns a copy of every notification received.
func (n *Notifier) Sent() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

// Recipients lists recipients in send order.
func (n *Notifier) Recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Recipient
	}
	return out
}
