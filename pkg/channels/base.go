package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/oncerelay/pkg/bus"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannelOption is a functional option for configuring a BaseChannel.
type BaseChannelOption func(*BaseChannel)

// WithAllowList restricts which senders reach the bus. An empty list allows
// everyone.
func WithAllowList(allowList []string) BaseChannelOption {
	return func(c *BaseChannel) { c.allowList = allowList }
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, mb *bus.MessageBus, opts ...BaseChannelOption) *BaseChannel {
	bc := &BaseChannel{
		bus:  mb,
		name: name,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed matches a sender against the allow list. Senders and entries may
// be phone numbers ("5491122334455", "+5491122334455") or JIDs, with or
// without a device part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	user := userPart(senderID)
	for _, allowed := range c.allowList {
		if allowed == senderID || (user != "" && userPart(allowed) == user) {
			return true
		}
	}
	return false
}

// userPart reduces "+549...", "549...:12@s.whatsapp.net" and similar forms
// to the bare user.
func userPart(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "+")
	if idx := strings.Index(id, "@"); idx >= 0 {
		id = id[:idx]
	}
	if idx := strings.Index(id, ":"); idx >= 0 {
		id = id[:idx]
	}
	if idx := strings.Index(id, "."); idx >= 0 {
		id = id[:idx]
	}
	return id
}

// HandleBatch drops messages from senders outside the allow list and
// publishes what is left.
func (c *BaseChannel) HandleBatch(ctx context.Context, b bus.Batch) {
	var kept []bus.Envelope
	for _, env := range b.Messages {
		if c.IsAllowed(env.Sender.String()) {
			kept = append(kept, env)
		}
	}
	if len(b.Messages) > 0 && len(kept) == 0 {
		logger.DebugCF(c.name, "Batch dropped by allow list", map[string]any{
			"sender": b.Messages[0].Sender.String(),
		})
		return
	}
	b.Messages = kept

	if err := c.bus.PublishBatch(ctx, b); err != nil {
		logger.WarnCF(c.name, "Failed to publish batch", map[string]any{"error": err.Error()})
	}
}
