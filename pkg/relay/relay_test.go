package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/tinyland-inc/oncerelay/pkg/bus"
	"github.com/tinyland-inc/oncerelay/pkg/envelope"
)

var (
	ownJID    = types.NewJID("5491100000000", types.DefaultUserServer)
	sourceJID = types.NewJID("5491122334455", types.DefaultUserServer)
	groupJID  = types.NewJID("120363000000000000", types.GroupServer)
)

type relayCall struct {
	to  types.JID
	out Outgoing
}

type fakeTransport struct {
	mu      sync.Mutex
	own     types.JID
	ready   bool
	err     error
	panicOn int
	calls   []relayCall
	nextID  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{own: ownJID, ready: true}
}

func (f *fakeTransport) OwnID() (types.JID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.own, f.ready
}

func (f *fakeTransport) GenerateMessageID() types.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("3EB0TEST%04d", f.nextID)
}

func (f *fakeTransport) Relay(_ context.Context, to types.JID, out Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, relayCall{to: to, out: out})
	if f.panicOn > 0 && len(f.calls) == f.panicOn {
		panic("transport exploded")
	}
	return f.err
}

func (f *fakeTransport) relayed() []relayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayCall(nil), f.calls...)
}

func image(viewOnce bool) *waE2E.Message {
	img := &waE2E.ImageMessage{
		URL:        proto.String("https://mmg.whatsapp.net/x"),
		Mimetype:   proto.String("image/jpeg"),
		Caption:    proto.String("look"),
		FileLength: proto.Uint64(2048),
	}
	if viewOnce {
		img.ViewOnce = proto.Bool(true)
	}
	return &waE2E.Message{ImageMessage: img}
}

func wrapV2(inner *waE2E.Message) *waE2E.Message {
	return &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: inner}}
}

func notify(chat types.JID, msg *waE2E.Message) bus.Batch {
	return bus.Batch{
		Type: bus.BatchNotify,
		Messages: []bus.Envelope{{
			Chat:    chat,
			Sender:  chat,
			ID:      "ABCDEF123",
			Message: msg,
		}},
	}
}

func TestHandle_SingleWrapperIsRelayedWithoutMarker(t *testing.T) {
	tests := []struct {
		name  string
		msg   *waE2E.Message
		inner func(*waE2E.Message) *waE2E.ImageMessage
	}{
		{
			name: "v1",
			msg:  &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{Message: image(true)}},
			inner: func(m *waE2E.Message) *waE2E.ImageMessage {
				return m.GetViewOnceMessage().GetMessage().GetImageMessage()
			},
		},
		{
			name: "v2",
			msg:  wrapV2(image(true)),
			inner: func(m *waE2E.Message) *waE2E.ImageMessage {
				return m.GetViewOnceMessageV2().GetMessage().GetImageMessage()
			},
		},
		{
			name: "v2 extension",
			msg:  &waE2E.Message{ViewOnceMessageV2Extension: &waE2E.FutureProofMessage{Message: image(true)}},
			inner: func(m *waE2E.Message) *waE2E.ImageMessage {
				return m.GetViewOnceMessageV2Extension().GetMessage().GetImageMessage()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			h := NewHandler(tr)

			res := h.Handle(context.Background(), notify(sourceJID, tt.msg))
			require.Equal(t, Relayed, res.Outcome, "err: %v", res.Err)

			calls := tr.relayed()
			require.Len(t, calls, 1)
			assert.Equal(t, ownJID, calls[0].to)
			assert.Equal(t, sourceJID, calls[0].out.Chat)
			assert.Equal(t, res.ID, calls[0].out.ID)

			img := tt.inner(calls[0].out.Message)
			require.NotNil(t, img)
			assert.Nil(t, img.ViewOnce)
			assert.Equal(t, "look", img.GetCaption())
		})
	}
}

func TestHandle_ContextInfoThenV2_OnlyMarkerChanges(t *testing.T) {
	original := &waE2E.Message{
		MessageContextInfo: &waE2E.MessageContextInfo{
			DeviceListMetadataVersion: proto.Int32(2),
		},
		ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: image(true)},
	}
	received := proto.Clone(original).(*waE2E.Message)

	tr := newFakeTransport()
	res := NewHandler(tr).Handle(context.Background(), notify(sourceJID, received))
	require.Equal(t, Relayed, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, "imageMessage", res.MediaTag)

	want := proto.Clone(original).(*waE2E.Message)
	want.GetViewOnceMessageV2().GetMessage().GetImageMessage().ViewOnce = nil

	calls := tr.relayed()
	require.Len(t, calls, 1)
	assert.True(t, proto.Equal(want, calls[0].out.Message), "relayed message differs beyond the view-once marker")

	// The received event is left untouched.
	assert.True(t, proto.Equal(original, received))
}

func TestHandle_RelaysToOwnAccountNotSourceChat(t *testing.T) {
	tr := newFakeTransport()
	res := NewHandler(tr).Handle(context.Background(), notify(groupJID, wrapV2(image(true))))
	require.Equal(t, Relayed, res.Outcome)

	calls := tr.relayed()
	require.Len(t, calls, 1)
	assert.Equal(t, ownJID, calls[0].to)
	assert.NotEqual(t, groupJID, calls[0].to)
	assert.Equal(t, groupJID, calls[0].out.Chat)
	assert.Equal(t, groupJID, res.Chat)
	assert.Equal(t, ownJID, res.Destination)
}

func TestHandle_FromMeNeverRelays(t *testing.T) {
	shapes := []*waE2E.Message{
		wrapV2(image(true)),
		{MessageContextInfo: &waE2E.MessageContextInfo{}, ViewOnceMessageV2: &waE2E.FutureProofMessage{Message: image(true)}},
		{Conversation: proto.String("hi")},
		{ViewOnceMessage: &waE2E.FutureProofMessage{}},
	}
	for i, msg := range shapes {
		tr := newFakeTransport()
		b := notify(ownJID, msg)
		b.Messages[0].FromMe = true

		res := NewHandler(tr).Handle(context.Background(), b)
		assert.Equal(t, Skipped, res.Outcome, "shape %d", i)
		assert.Equal(t, SkipFromMe, res.Reason, "shape %d", i)
		assert.Empty(t, tr.relayed(), "shape %d", i)
	}
}

func TestHandle_NonViewOnceShapesAreNoOps(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want SkipReason
	}{
		{"plain text", &waE2E.Message{Conversation: proto.String("hello")}, SkipFirstTag},
		{"plain image", image(false), SkipFirstTag},
		{"image with view-once flag but no wrapper", image(true), SkipFirstTag},
		{"context info only", &waE2E.Message{MessageContextInfo: &waE2E.MessageContextInfo{}}, SkipLastTag},
		{
			"context info then text",
			&waE2E.Message{
				MessageContextInfo:  &waE2E.MessageContextInfo{},
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("x")},
			},
			SkipFirstTag,
		},
		{"empty payload", &waE2E.Message{}, SkipNoContent},
		{"wrapper with empty inner", wrapV2(&waE2E.Message{}), SkipNoMedia},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			res := NewHandler(tr).Handle(context.Background(), notify(sourceJID, tt.msg))
			assert.Equal(t, Skipped, res.Outcome)
			assert.Equal(t, tt.want, res.Reason)
			assert.Empty(t, tr.relayed())
		})
	}
}

func TestHandle_BatchShape(t *testing.T) {
	tr := newFakeTransport()
	h := NewHandler(tr)
	ctx := context.Background()

	history := notify(sourceJID, wrapV2(image(true)))
	history.Type = bus.BatchAppend
	res := h.Handle(ctx, history)
	assert.Equal(t, SkipNotNotify, res.Reason)

	res = h.Handle(ctx, bus.Batch{Type: bus.BatchNotify})
	assert.Equal(t, SkipEmptyBatch, res.Reason)

	res = h.Handle(ctx, notify(sourceJID, nil))
	assert.Equal(t, SkipNoContent, res.Reason)

	assert.Empty(t, tr.relayed())
}

func TestHandle_OnlyFirstMessageIsConsidered(t *testing.T) {
	tr := newFakeTransport()
	b := notify(sourceJID, &waE2E.Message{Conversation: proto.String("first")})
	b.Messages = append(b.Messages, bus.Envelope{Chat: sourceJID, ID: "2", Message: wrapV2(image(true))})

	res := NewHandler(tr).Handle(context.Background(), b)
	assert.Equal(t, SkipFirstTag, res.Reason)
	assert.Empty(t, tr.relayed())
}

func TestHandle_MalformedWrapperFails(t *testing.T) {
	tr := newFakeTransport()
	msg := &waE2E.Message{
		MessageContextInfo: &waE2E.MessageContextInfo{},
		ViewOnceMessageV2:  &waE2E.FutureProofMessage{},
	}

	res := NewHandler(tr).Handle(context.Background(), notify(sourceJID, msg))
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, envelope.ErrMalformed))
	assert.Empty(t, tr.relayed())
}

func TestHandle_NotReadyWithoutAccount(t *testing.T) {
	tr := newFakeTransport()
	tr.own, tr.ready = types.EmptyJID, false

	res := NewHandler(tr).Handle(context.Background(), notify(sourceJID, wrapV2(image(true))))
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, SkipNotReady, res.Reason)
	assert.Empty(t, tr.relayed())
}

func TestHandle_TransportErrorIsFailed(t *testing.T) {
	tr := newFakeTransport()
	tr.err = errors.New("websocket not connected")

	res := NewHandler(tr).Handle(context.Background(), notify(sourceJID, wrapV2(image(true))))
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorContains(t, res.Err, "websocket not connected")
}

func TestHandle_PanicBecomesFailed(t *testing.T) {
	tr := newFakeTransport()
	tr.panicOn = 1

	var res Result
	assert.NotPanics(t, func() {
		res = NewHandler(tr).Handle(context.Background(), notify(sourceJID, wrapV2(image(true))))
	})
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorContains(t, res.Err, "transport exploded")
}

func TestHandle_RateLimitHonorsContext(t *testing.T) {
	tr := newFakeTransport()
	h := NewHandler(tr, WithRateLimit(1, 1))
	b := notify(sourceJID, wrapV2(image(true)))

	res := h.Handle(context.Background(), b)
	require.Equal(t, Relayed, res.Outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res = h.Handle(ctx, b)
	assert.Equal(t, Failed, res.Outcome)
	assert.Len(t, tr.relayed(), 1)
}

func TestWithRateLimit_ZeroDisables(t *testing.T) {
	h := NewHandler(newFakeTransport(), WithRateLimit(0, 5))
	assert.Nil(t, h.limiter)
}

func TestDecide_IsPure(t *testing.T) {
	b := notify(sourceJID, wrapV2(image(true)))
	d1 := Decide(b, ownJID, true)
	d2 := Decide(b, ownJID, true)
	require.NotNil(t, d1.Plan)
	require.NotNil(t, d2.Plan)
	assert.True(t, proto.Equal(d1.Plan.Message, d2.Plan.Message))
	assert.True(t, b.Messages[0].Message.GetViewOnceMessageV2().GetMessage().GetImageMessage().GetViewOnce())
	assert.Equal(t, envelope.ViewOnceV2, d1.Plan.Wrapper)
}

func TestRun_KeepsGoingAfterFailures(t *testing.T) {
	tr := newFakeTransport()
	tr.panicOn = 1
	h := NewHandler(tr)
	mb := bus.NewMessageBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.Run(ctx, mb)
		close(done)
	}()

	malformed := notify(sourceJID, &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{}})
	good := notify(sourceJID, wrapV2(image(true)))
	history := good
	history.Type = bus.BatchAppend

	for _, b := range []bus.Batch{good, malformed, history, good} {
		require.NoError(t, mb.PublishBatch(ctx, b))
	}

	require.Eventually(t, func() bool { return len(tr.relayed()) == 2 }, time.Second, 5*time.Millisecond)

	mb.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus close")
	}
}
