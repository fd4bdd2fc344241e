package bus

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// BatchType tells live deliveries apart from history backfill.
type BatchType string

const (
	BatchNotify BatchType = "notify"
	BatchAppend BatchType = "append"
)

// Envelope is one received message as seen by the relay.
type Envelope struct {
	Chat    types.JID      `json:"chat"`
	Sender  types.JID      `json:"sender"`
	ID      string         `json:"id"`
	FromMe  bool           `json:"from_me"`
	Message *waE2E.Message `json:"-"` // as received, wrappers included
}

type Batch struct {
	Type     BatchType  `json:"type"`
	Messages []Envelope `json:"messages,omitempty"`
}
