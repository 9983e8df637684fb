// Package sending defines the delivery gateway contract.
//
// Each channel (SES email, HTTP SMS) implements Sender. The dispatcher
// talks to a Router, which resolves the Sender for a message's channel, so
// it stays provider-agnostic.
package sending

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/sequence-engine/internal/domain"
)

// Sender hands one rendered message to a delivery provider. A returned
// error is a transport failure; a provider rejection is a SendResult with
// Accepted false. Implementations must be safe for concurrent use and
// should pass msg.IdempotencyKey to providers that support one.
type Sender interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error)

func (f SenderFunc) Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	return f(ctx, msg)
}

// ErrNoSender is returned for a channel without a configured sender.
var ErrNoSender = errors.New("no sender configured for channel")

// Router dispatches by channel.
type Router struct {
	senders map[domain.Channel]Sender
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[domain.Channel]Sender)}
}

// Register sets the sender for a channel and returns r.
func (r *Router) Register(ch domain.Channel, s Sender) *Router {
	r.senders[ch] = s
	return r
}

// Send forwards msg to the channel's sender.
func (r *Router) Send(ctx context.Context, msg *domain.OutboundMessage) (*domain.SendResult, error) {
	s, ok := r.senders[msg.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, msg.Channel)
	}
	return s.Send(ctx, msg)
}
