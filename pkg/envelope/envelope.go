// Package envelope inspects WhatsApp message payloads as an ordered list of
// payload kinds and implements the view-once unwrap rules.
//
// A payload kind ("tag") is the JSON name of a populated top-level field of
// waE2E.Message, e.g. "imageMessage" or "viewOnceMessageV2". Tags are ordered
// by field number, which is the order the fields take on the wire.
package envelope

import (
	"errors"
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var (
	ErrNoPayload = errors.New("message has no payload")
	ErrFirstTag  = errors.New("first payload kind is not a view-once candidate")
	ErrLastTag   = errors.New("last payload kind is not a view-once wrapper")
	ErrMalformed = errors.New("view-once wrapper has no inner message")
	ErrNoMedia   = errors.New("view-once wrapper carries no media payload")
)

const (
	TagMessageContextInfo           = "messageContextInfo"
	TagSenderKeyDistributionMessage = "senderKeyDistributionMessage"
	TagViewOnceMessage              = "viewOnceMessage"
	TagViewOnceMessageV2            = "viewOnceMessageV2"
	TagViewOnceMessageV2Extension   = "viewOnceMessageV2Extension"

	viewOnceField = "viewOnce"
	innerField    = "message"
)

// WrapperKind identifies which view-once wrapper carries the media.
type WrapperKind int

const (
	NotWrapped WrapperKind = iota
	ViewOnce
	ViewOnceV2
	ViewOnceV2Extension
)

func (k WrapperKind) Tag() string {
	switch k {
	case ViewOnce:
		return TagViewOnceMessage
	case ViewOnceV2:
		return TagViewOnceMessageV2
	case ViewOnceV2Extension:
		return TagViewOnceMessageV2Extension
	}
	return ""
}

func (k WrapperKind) String() string {
	if t := k.Tag(); t != "" {
		return t
	}
	return "none"
}

// WrapperKindOf returns the wrapper kind for a tag, or NotWrapped.
func WrapperKindOf(tag string) WrapperKind {
	switch tag {
	case TagViewOnceMessage:
		return ViewOnce
	case TagViewOnceMessageV2:
		return ViewOnceV2
	case TagViewOnceMessageV2Extension:
		return ViewOnceV2Extension
	}
	return NotWrapped
}

// IsCandidateTag is the coarse filter applied to the first tag.
func IsCandidateTag(tag string) bool {
	switch tag {
	case TagMessageContextInfo, TagSenderKeyDistributionMessage:
		return true
	}
	return WrapperKindOf(tag) != NotWrapped
}

// Part is one populated top-level field of a message.
type Part struct {
	Tag   string
	Field protoreflect.FieldDescriptor
	Value protoreflect.Value
}

// Parts lists the populated fields of m in field-number order.
func Parts(m proto.Message) []Part {
	if m == nil {
		return nil
	}
	return partsOf(m.ProtoReflect())
}

func partsOf(rm protoreflect.Message) []Part {
	if rm == nil || !rm.IsValid() {
		return nil
	}
	var parts []Part
	rm.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		parts = append(parts, Part{Tag: fd.JSONName(), Field: fd, Value: v})
		return true
	})
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Field.Number() < parts[j].Field.Number()
	})
	return parts
}

// Tags returns the payload kinds of m in order.
func Tags(m proto.Message) []string {
	parts := Parts(m)
	tags := make([]string, len(parts))
	for i, p := range parts {
		tags[i] = p.Tag
	}
	return tags
}

// Classify applies the two-step rule: the first tag must be a wrapper
// candidate and the last tag must be a view-once wrapper. With a single tag
// both checks look at the same key.
func Classify(tags []string) (WrapperKind, error) {
	if len(tags) == 0 {
		return NotWrapped, ErrNoPayload
	}
	if !IsCandidateTag(tags[0]) {
		return NotWrapped, ErrFirstTag
	}
	kind := WrapperKindOf(tags[len(tags)-1])
	if kind == NotWrapped {
		return NotWrapped, ErrLastTag
	}
	return kind, nil
}

// Media is the first payload inside a view-once wrapper. Payload is nil for
// scalar payloads.
type Media struct {
	Tag     string
	Payload protoreflect.Message
}

// Unwrap finds the media payload inside the kind wrapper of m. The returned
// Media aliases m, so stripping it mutates m.
func Unwrap(m proto.Message, kind WrapperKind) (Media, error) {
	if m == nil || kind == NotWrapped {
		return Media{}, ErrMalformed
	}
	rm := m.ProtoReflect()
	if !rm.IsValid() {
		return Media{}, ErrMalformed
	}

	fd := rm.Descriptor().Fields().ByJSONName(kind.Tag())
	if fd == nil || fd.Message() == nil || !rm.Has(fd) {
		return Media{}, ErrMalformed
	}
	wrapper := rm.Get(fd).Message()

	innerFD := wrapper.Descriptor().Fields().ByName(innerField)
	if innerFD == nil || innerFD.Message() == nil || !wrapper.Has(innerFD) {
		return Media{}, ErrMalformed
	}

	parts := partsOf(wrapper.Get(innerFD).Message())
	if len(parts) == 0 {
		return Media{}, ErrNoMedia
	}
	first := parts[0]
	if first.Field.Message() != nil {
		return Media{Tag: first.Tag, Payload: first.Value.Message()}, nil
	}
	if isZeroScalar(first.Field, first.Value) {
		return Media{}, ErrNoMedia
	}
	return Media{Tag: first.Tag}, nil
}

func isZeroScalar(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
	if fd.IsList() {
		return v.List().Len() == 0
	}
	if fd.IsMap() {
		return false
	}
	return v.Equal(fd.Default()) || v.Equal(zeroOf(fd.Kind()))
}

func zeroOf(k protoreflect.Kind) protoreflect.Value {
	switch k {
	case protoreflect.BoolKind:
		return protoreflect.ValueOfBool(false)
	case protoreflect.StringKind:
		return protoreflect.ValueOfString("")
	case protoreflect.BytesKind:
		return protoreflect.ValueOfBytes(nil)
	case protoreflect.EnumKind:
		return protoreflect.ValueOfEnum(0)
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		return protoreflect.ValueOfInt32(0)
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return protoreflect.ValueOfInt64(0)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return protoreflect.ValueOfUint32(0)
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return protoreflect.ValueOfUint64(0)
	case protoreflect.FloatKind:
		return protoreflect.ValueOfFloat32(0)
	case protoreflect.DoubleKind:
		return protoreflect.ValueOfFloat64(0)
	}
	return protoreflect.Value{}
}

// StripViewOnce clears the viewOnce marker of the media payload. It reports
// whether a marker was present.
func StripViewOnce(md Media) bool {
	if md.Payload == nil {
		return false
	}
	fd := md.Payload.Descriptor().Fields().ByJSONName(viewOnceField)
	if fd == nil || !md.Payload.Has(fd) {
		return false
	}
	md.Payload.Clear(fd)
	return true
}
