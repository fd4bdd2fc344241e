// Package relay re-broadcasts received view-once media to the bot's own
// account with the view-once marker removed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	"github.com/tinyland-inc/oncerelay/pkg/bus"
	"github.com/tinyland-inc/oncerelay/pkg/envelope"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
)

const component = "relay"

// Transport is the part of the WhatsApp client the relay needs.
type Transport interface {
	// OwnID reports the authenticated account, if any.
	OwnID() (types.JID, bool)
	GenerateMessageID() types.MessageID
	// Relay delivers out to the given account, reusing out.ID as the
	// message ID.
	Relay(ctx context.Context, to types.JID, out Outgoing) error
}

// Outgoing is the message built from the mutated envelope. Chat is the chat
// the original arrived in.
type Outgoing struct {
	Chat    types.JID
	ID      types.MessageID
	Message *waE2E.Message
}

type Outcome int

const (
	Skipped Outcome = iota
	Relayed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Relayed:
		return "relayed"
	case Failed:
		return "failed"
	}
	return "skipped"
}

// SkipReason says why a batch produced no relay.
type SkipReason string

const (
	SkipNotNotify  SkipReason = "not_notify"
	SkipEmptyBatch SkipReason = "empty_batch"
	SkipNoContent  SkipReason = "no_content"
	SkipFromMe     SkipReason = "from_me"
	SkipFirstTag   SkipReason = "first_tag"
	SkipLastTag    SkipReason = "last_tag"
	SkipNoMedia    SkipReason = "no_media"
	SkipNotReady   SkipReason = "not_ready"
)

// Plan is a relay ready to be sent.
type Plan struct {
	Chat        types.JID
	Destination types.JID
	SourceID    string
	Wrapper     envelope.WrapperKind
	MediaTag    string
	// Message is a clone of the received message with the marker stripped.
	Message *waE2E.Message
}

// Decision is the pure outcome of inspecting a batch. Exactly one of Skip,
// Err and Plan is set.
type Decision struct {
	Skip SkipReason
	Err  error
	Plan *Plan
}

func skip(r SkipReason) Decision { return Decision{Skip: r} }

// Decide applies the view-once rules to the first message of b. ownID is the
// authenticated account and ready reports whether it is known.
func Decide(b bus.Batch, ownID types.JID, ready bool) Decision {
	if b.Type != bus.BatchNotify {
		return skip(SkipNotNotify)
	}
	if len(b.Messages) == 0 {
		return skip(SkipEmptyBatch)
	}
	env := b.Messages[0]
	if env.Message == nil {
		return skip(SkipNoContent)
	}
	if env.FromMe {
		return skip(SkipFromMe)
	}

	kind, err := envelope.Classify(envelope.Tags(env.Message))
	switch {
	case errors.Is(err, envelope.ErrNoPayload):
		return skip(SkipNoContent)
	case errors.Is(err, envelope.ErrFirstTag):
		return skip(SkipFirstTag)
	case errors.Is(err, envelope.ErrLastTag):
		return skip(SkipLastTag)
	case err != nil:
		return Decision{Err: err}
	}

	msg := proto.Clone(env.Message).(*waE2E.Message)
	md, err := envelope.Unwrap(msg, kind)
	if errors.Is(err, envelope.ErrNoMedia) {
		return skip(SkipNoMedia)
	}
	if err != nil {
		return Decision{Err: fmt.Errorf("message %s in %s: %w", env.ID, env.Chat, err)}
	}
	envelope.StripViewOnce(md)

	if !ready || ownID.IsEmpty() {
		return skip(SkipNotReady)
	}

	return Decision{Plan: &Plan{
		Chat:        env.Chat,
		Destination: ownID,
		SourceID:    env.ID,
		Wrapper:     kind,
		MediaTag:    md.Tag,
		Message:     msg,
	}}
}

// Result describes what Handle did with one batch.
type Result struct {
	Outcome     Outcome
	Reason      SkipReason
	Err         error
	Chat        types.JID
	Destination types.JID
	ID          types.MessageID
	MediaTag    string
}

type HandlerOption func(*Handler)

// WithRateLimit caps relays to perMinute with the given burst. A
// non-positive perMinute disables the limit.
func WithRateLimit(perMinute, burst int) HandlerOption {
	return func(h *Handler) {
		if perMinute <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
	}
}

// Handler relays view-once media through a Transport.
type Handler struct {
	transport Transport
	limiter   *rate.Limiter
}

func NewHandler(t Transport, opts ...HandlerOption) *Handler {
	h := &Handler{transport: t}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one batch. It never panics.
func (h *Handler) Handle(ctx context.Context, b bus.Batch) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: Failed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ownID, ready := h.transport.OwnID()
	d := Decide(b, ownID, ready)
	if d.Err != nil {
		return Result{Outcome: Failed, Err: d.Err}
	}
	if d.Plan == nil {
		return Result{Outcome: Skipped, Reason: d.Skip}
	}
	p := d.Plan

	res = Result{
		Chat:        p.Chat,
		Destination: p.Destination,
		MediaTag:    p.MediaTag,
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			res.Outcome, res.Err = Failed, fmt.Errorf("rate limit: %w", err)
			return res
		}
	}

	out := Outgoing{
		Chat:    p.Chat,
		ID:      h.transport.GenerateMessageID(),
		Message: p.Message,
	}
	res.ID = out.ID
	if err := h.transport.Relay(ctx, p.Destination, out); err != nil {
		res.Outcome, res.Err = Failed, fmt.Errorf("relaying to %s: %w", p.Destination, err)
		return res
	}
	res.Outcome = Relayed
	return res
}

// Run consumes batches until ctx is done or the bus is closed.
func (h *Handler) Run(ctx context.Context, mb *bus.MessageBus) {
	logger.InfoC(component, "Relay worker started")
	for {
		b, ok := mb.ConsumeBatch(ctx)
		if !ok {
			logger.InfoC(component, "Relay worker stopped")
			return
		}
		h.process(ctx, b)
	}
}

func (h *Handler) process(ctx context.Context, b bus.Batch) {
	defer logger.Recover(component)

	res := h.Handle(ctx, b)
	switch res.Outcome {
	case Relayed:
		logger.InfoCF(component, "View-once relayed", map[string]any{
			"chat":        res.Chat.String(),
			"destination": res.Destination.String(),
			"id":          res.ID,
			"media":       res.MediaTag,
		})
	case Failed:
		fields := map[string]any{"error": res.Err.Error()}
		if !res.Chat.IsEmpty() {
			fields["chat"] = res.Chat.String()
		}
		logger.ErrorCF(component, "View-once relay failed", fields)
	default:
		logger.DebugCF(component, "Batch skipped", map[string]any{
			"type":   string(b.Type),
			"reason": string(res.Reason),
		})
	}
}
