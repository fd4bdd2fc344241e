package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/tinyland-inc/oncerelay/pkg/bus"
	"github.com/tinyland-inc/oncerelay/pkg/lifecycle"
	"github.com/tinyland-inc/oncerelay/pkg/logger"
	"github.com/tinyland-inc/oncerelay/pkg/relay"
	"github.com/tinyland-inc/oncerelay/pkg/session"
)

const whatsappName = "whatsapp"

var (
	errDisconnected   = errors.New("disconnected")
	errStreamReplaced = errors.New("stream replaced by another connection")
	errClientOutdated = errors.New("client version outdated")
	errQRTimeout      = errors.New("QR code not scanned in time")
)

// WhatsAppChannel connects to WhatsApp as a linked device, turns whatsmeow
// events into lifecycle updates and message batches, and sends relays.
type WhatsAppChannel struct {
	*BaseChannel
	client    *whatsmeow.Client
	persister Persister

	mu       sync.Mutex
	ctx      context.Context
	onUpdate func(lifecycle.Update)
	handler  uint32
}

// Persister saves device credentials. *session.Store implements it.
type Persister interface {
	Persist(ctx context.Context) error
}

var (
	_ Channel         = (*WhatsAppChannel)(nil)
	_ relay.Transport = (*WhatsAppChannel)(nil)
	_ Persister       = (*session.Store)(nil)
)

func NewWhatsAppChannel(sess *session.Store, mb *bus.MessageBus, opts ...BaseChannelOption) *WhatsAppChannel {
	client := whatsmeow.NewClient(sess.Device(), logger.WhatsApp("Client"))
	// Reconnects are driven by the lifecycle controller.
	client.EnableAutoReconnect = false

	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel(whatsappName, mb, opts...),
		client:      client,
		persister:   sess,
		ctx:         context.Background(),
	}
}

// OnUpdate sets the receiver of connection updates.
func (c *WhatsAppChannel) OnUpdate(fn func(lifecycle.Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

func (c *WhatsAppChannel) emit(u lifecycle.Update) {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (c *WhatsAppChannel) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Start registers the event handler once and opens the first connection.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	if c.handler == 0 {
		c.handler = c.client.AddEventHandler(c.handleEvent)
	}
	c.mu.Unlock()

	c.SetRunning(true)
	return c.connect()
}

// Reconnect drops the current socket and connects again on the same client.
func (c *WhatsAppChannel) Reconnect() error {
	c.client.Disconnect()
	return c.connect()
}

func (c *WhatsAppChannel) connect() error {
	c.emit(lifecycle.Update{Connection: lifecycle.ConnConnecting})

	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(c.runContext())
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if qrChan != nil {
			logger.Go(whatsappName, func() { c.pumpQR(qrChan) })
		}
	}

	if err := c.client.Connect(); err != nil && !errors.Is(err, whatsmeow.ErrAlreadyConnected) {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

func (c *WhatsAppChannel) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if u, ok := qrUpdate(item); ok {
			c.emit(u)
		}
	}
}

// qrUpdate maps a pairing channel item to a lifecycle update.
func qrUpdate(item whatsmeow.QRChannelItem) (lifecycle.Update, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return lifecycle.Update{QR: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		logger.InfoC(whatsappName, "QR code scanned, finishing pairing")
		return lifecycle.Update{}, false
	case whatsmeow.QRChannelTimeout.Event:
		return closeUpdate(errQRTimeout), true
	case whatsmeow.QRChannelEventError:
		err := item.Error
		if err == nil {
			err = errors.New("pairing failed")
		}
		return closeUpdate(err), true
	}
	// err-client-outdated, err-unexpected-state and friends.
	return closeUpdate(fmt.Errorf("pairing: %s", item.Event)), true
}

func closeUpdate(err error) lifecycle.Update {
	return lifecycle.Update{Connection: lifecycle.ConnClose, Cause: lifecycle.Cause{Err: err}}
}

// Classify maps connection events to lifecycle updates. It reports false
// for events that are not connection changes.
func Classify(evt any) (lifecycle.Update, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return lifecycle.Update{Connection: lifecycle.ConnOpen}, true
	case *events.LoggedOut:
		return lifecycle.Update{
			Connection: lifecycle.ConnClose,
			Cause:      lifecycle.Cause{LoggedOut: true, Err: fmt.Errorf("logged out: %v", v.Reason)},
		}, true
	case *events.ConnectFailure:
		err := fmt.Errorf("connect failure %d: %s", int(v.Reason), v.Message)
		if v.Reason.IsLoggedOut() {
			return lifecycle.Update{
				Connection: lifecycle.ConnClose,
				Cause:      lifecycle.Cause{LoggedOut: true, Err: err},
			}, true
		}
		return closeUpdate(err), true
	case *events.Disconnected:
		return closeUpdate(errDisconnected), true
	case *events.StreamReplaced:
		return closeUpdate(errStreamReplaced), true
	case *events.TemporaryBan:
		return closeUpdate(fmt.Errorf("temporary ban: %s", v.String())), true
	case *events.ClientOutdated:
		return closeUpdate(errClientOutdated), true
	}
	return lifecycle.Update{}, false
}

// MessageBatch wraps a live message as a one-message notify batch. The raw
// payload is used so view-once wrappers are still present.
func MessageBatch(evt *events.Message) bus.Batch {
	return bus.Batch{
		Type: bus.BatchNotify,
		Messages: []bus.Envelope{{
			Chat:    evt.Info.Chat,
			Sender:  evt.Info.Sender,
			ID:      evt.Info.ID,
			FromMe:  evt.Info.IsFromMe,
			Message: wireMessage(evt),
		}},
	}
}

// wireMessage returns the message as it was received. Unwrapping an event
// shares the outer MessageContextInfo with an inner message that is still
// nested in the raw payload; that alias is removed from a copy.
func wireMessage(evt *events.Message) *waE2E.Message {
	raw := evt.RawMessage
	if raw == nil {
		return evt.Message
	}
	mci := raw.GetMessageContextInfo()
	if mci == nil {
		return raw
	}
	for i, inner := range unwrapChain(raw) {
		if inner.GetMessageContextInfo() == mci {
			out := proto.Clone(raw).(*waE2E.Message)
			unwrapChain(out)[i].MessageContextInfo = nil
			return out
		}
	}
	return raw
}

// unwrapSteps follow the order whatsmeow uses when unwrapping an event.
var unwrapSteps = []func(*waE2E.Message) *waE2E.Message{
	func(m *waE2E.Message) *waE2E.Message { return m.GetDeviceSentMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetBotInvokeMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetEphemeralMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetViewOnceMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetViewOnceMessageV2().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetViewOnceMessageV2Extension().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetLottieStickerMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetDocumentWithCaptionMessage().GetMessage() },
	func(m *waE2E.Message) *waE2E.Message { return m.GetEditedMessage().GetMessage() },
}

// unwrapChain lists the messages nested in m, outermost first.
func unwrapChain(m *waE2E.Message) []*waE2E.Message {
	var chain []*waE2E.Message
	for _, step := range unwrapSteps {
		if inner := step(m); inner != nil {
			m = inner
			chain = append(chain, m)
		}
	}
	return chain
}

// historyBatch reports a history sync as an empty append batch. Its messages
// are never relayed, so they are not parsed.
func historyBatch(evt *events.HistorySync) bus.Batch {
	logger.DebugCF(whatsappName, "History sync received", map[string]any{
		"type":          evt.Data.GetSyncType().String(),
		"conversations": len(evt.Data.GetConversations()),
	})
	return bus.Batch{Type: bus.BatchAppend}
}

func (c *WhatsAppChannel) handleEvent(evt any) {
	defer logger.Recover(whatsappName)

	if u, ok := Classify(evt); ok {
		if u.Connection == lifecycle.ConnClose {
			logger.WarnCF(whatsappName, "Connection closed", map[string]any{
				"cause":      u.Cause.String(),
				"logged_out": u.Cause.LoggedOut,
			})
		}
		c.emit(u)
		return
	}

	switch v := evt.(type) {
	case *events.Message:
		c.HandleBatch(c.runContext(), MessageBatch(v))
	case *events.HistorySync:
		c.HandleBatch(c.runContext(), historyBatch(v))
	case *events.PairSuccess:
		logger.InfoCF(whatsappName, "Device paired", map[string]any{
			"jid":      v.ID.String(),
			"platform": v.Platform,
		})
		c.persist()
	case *events.PushNameSetting:
		c.persist()
	case *events.StreamError:
		logger.WarnCF(whatsappName, "Stream error", map[string]any{"code": v.Code})
	case *events.KeepAliveTimeout:
		logger.WarnCF(whatsappName, "Keep-alive timeout", map[string]any{
			"error_count": v.ErrorCount,
		})
	}
}

func (c *WhatsAppChannel) persist() {
	if c.persister == nil {
		return
	}
	if err := c.persister.Persist(c.runContext()); err != nil {
		logger.ErrorCF(whatsappName, "Failed to persist session", map[string]any{"error": err.Error()})
	}
}

// OwnID returns the linked account once it is known.
func (c *WhatsAppChannel) OwnID() (types.JID, bool) {
	id := c.client.Store.ID
	if id == nil {
		return types.EmptyJID, false
	}
	return id.ToNonAD(), true
}

func (c *WhatsAppChannel) GenerateMessageID() types.MessageID {
	return c.client.GenerateMessageID()
}

// Relay sends out to the given account with out.ID as its message ID.
func (c *WhatsAppChannel) Relay(ctx context.Context, to types.JID, out relay.Outgoing) error {
	_, err := c.client.SendMessage(ctx, to, out.Message, whatsmeow.SendRequestExtra{ID: out.ID})
	return err
}

func (c *WhatsAppChannel) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *WhatsAppChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	c.mu.Lock()
	if c.handler != 0 {
		c.client.RemoveEventHandler(c.handler)
		c.handler = 0
	}
	c.mu.Unlock()
	c.client.Disconnect()
	return nil
}
