// Package notify delivers alert notifications over email, SMS and the
// dashboard push channel. Every attempt reports its outcome.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Channel names a delivery transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ErrChannelNotConfigured is returned when no sender is registered for a channel.
var ErrChannelNotConfigured = errors.New("notification channel not configured")

// ErrNoDestination is returned when neither the caller nor the channel
// defaults provide a destination.
var ErrNoDestination = errors.New("no destination for notification")

// Sender delivers one message to one destination.
type Sender interface {
	Send(ctx context.Context, destination, subject, body string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, destination, subject, body string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, destination, subject, body string) error {
	return f(ctx, destination, subject, body)
}

// Delivery is the outcome of one send attempt.
type Delivery struct {
	Channel     Channel `json:"channel"`
	Destination string  `json:"destination,omitempty"`
	Success     bool    `json:"success"`
	Error       string  `json:"error,omitempty"`
}

type route struct {
	sender      Sender
	destination string
}

// Notifier routes messages to the sender registered for each channel.
type Notifier struct {
	mu     sync.RWMutex
	routes map[Channel]route
	logger *slog.Logger
}

// NewNotifier creates a Notifier with no channels.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		routes: make(map[Channel]route),
		logger: logger.With("component", "notifier"),
	}
}

// Register sets the sender for ch. defaultDestination is used when a send
// does not name one; push senders may leave it empty to broadcast.
func (n *Notifier) Register(ch Channel, sender Sender, defaultDestination string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[ch] = route{sender: sender, destination: defaultDestination}
}

// Channels returns the configured channels in name order.
func (n *Notifier) Channels() []Channel {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]Channel, 0, len(n.routes))
	for ch := range n.routes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send delivers through ch. A failure is reported in the Delivery and never
// returned as an error, so callers can fan out across channels independently.
func (n *Notifier) Send(ctx context.Context, ch Channel, destination, subject, body string) Delivery {
	n.mu.RLock()
	r, ok := n.routes[ch]
	n.mu.RUnlock()

	d := Delivery{Channel: ch, Destination: destination}
	if !ok {
		d.Error = fmt.Errorf("%w: %s", ErrChannelNotConfigured, ch).Error()
		return d
	}
	if d.Destination == "" {
		d.Destination = r.destination
	}
	if d.Destination == "" && ch != ChannelPush {
		d.Error = fmt.Errorf("%w: %s", ErrNoDestination, ch).Error()
		return d
	}

	if err := r.sender.Send(ctx, d.Destination, subject, body); err != nil {
		n.logger.Warn("notification failed", "channel", ch, "destination", d.Destination, "error", err)
		d.Error = err.Error()
		return d
	}
	d.Success = true
	n.logger.Info("notification sent", "channel", ch, "destination", d.Destination)
	return d
}
