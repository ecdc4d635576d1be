package fjage

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Standard message classes.
const (
	MessageClass        = "org.arl.fjage.Message"
	GenericMessageClass = "org.arl.fjage.GenericMessage"
)

// reservedPrefix marks field names that are never sent on the wire.
const reservedPrefix = "__"

// Msg is implemented by every message type. Types embedding Message satisfy
// it automatically.
type Msg interface {
	Base() *Message
}

// Message is the base of all messages exchanged with agents. Fields the
// concrete type does not declare travel in Extra.
type Message struct {
	Class     string         `json:"-"`
	ID        string         `json:"msgID,omitempty"`
	Perf      Performative   `json:"perf,omitempty"`
	Recipient *AgentID       `json:"recipient,omitempty"`
	Sender    *AgentID       `json:"sender,omitempty"`
	InReplyTo string         `json:"inReplyTo,omitempty"`
	SentAt    int64          `json:"sentAt,omitempty"`
	Extra     map[string]any `json:"-"`
}

// NewMessage creates a message of the given class with a fresh id. Classes
// whose name ends in "Req" default to the REQUEST performative, all others
// to INFORM.
func NewMessage(class string) *Message {
	m := newBase(class)
	return &m
}

// NewGenericMessage creates a GenericMessage, whose content lives entirely
// in Extra.
func NewGenericMessage() *Message {
	return NewMessage(GenericMessageClass)
}

func newBase(class string) Message {
	return Message{
		Class: class,
		ID:    uuid.New().String(),
		Perf:  defaultPerf(class),
	}
}

func defaultPerf(class string) Performative {
	if strings.HasSuffix(class, "Req") {
		return Request
	}
	return Inform
}

// Base returns m itself.
func (m *Message) Base() *Message {
	return m
}

// SetInReplyTo addresses m as a reply to req.
func (m *Message) SetInReplyTo(req Msg) {
	b := req.Base()
	m.InReplyTo = b.ID
	if b.Sender != nil {
		sender := *b.Sender
		m.Recipient = &sender
	}
}

// Field returns an extra field. Numbers in received extra fields are
// json.Number so that 64-bit integers survive decoding.
func (m *Message) Field(name string) any {
	return m.Extra[name]
}

// SetField sets an extra field. Names starting with "__" are kept locally
// and never serialized.
func (m *Message) SetField(name string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[name] = value
}

// --- Codec ---

type wireMessage struct {
	Clazz string          `json:"clazz"`
	Data  json.RawMessage `json:"data"`
}

// EncodeMessage serializes msg as {"clazz": ..., "data": {...}}. Declared
// fields take precedence over Extra entries of the same name.
func EncodeMessage(msg Msg) ([]byte, error) {
	base := msg.Base()
	class := base.Class
	if class == "" {
		class = MessageClass
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &CodecError{Op: "encode", Class: class, Err: err}
	}

	if len(base.Extra) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, &CodecError{Op: "encode", Class: class, Err: err}
		}
		known := jsonFields(reflect.TypeOf(msg))
		for name, value := range base.Extra {
			if known[name] || strings.HasPrefix(name, reservedPrefix) {
				continue
			}
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, &CodecError{Op: "encode", Class: class, Err: err}
			}
			fields[name] = raw
		}
		if data, err = json.Marshal(fields); err != nil {
			return nil, &CodecError{Op: "encode", Class: class, Err: err}
		}
	}

	return json.Marshal(wireMessage{Clazz: class, Data: data})
}

// DecodeMessage reconstructs a message from its wire form. The concrete type
// comes from the class registry; unknown classes decode as a plain Message.
// Fields the type does not declare are kept in Extra, with any binary array
// envelopes decoded.
func DecodeMessage(data []byte) (Msg, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}

	msg := newMessageOf(w.Clazz)
	base := msg.Base()

	if len(w.Data) > 0 && string(w.Data) != "null" {
		if err := json.Unmarshal(w.Data, msg); err != nil {
			return nil, &CodecError{Op: "decode", Class: w.Clazz, Err: err}
		}
		decodeArraysIn(reflect.ValueOf(msg))

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(w.Data, &fields); err != nil {
			return nil, &CodecError{Op: "decode", Class: w.Clazz, Err: err}
		}
		known := jsonFields(reflect.TypeOf(msg))
		for name, raw := range fields {
			if known[name] || strings.HasPrefix(name, reservedPrefix) {
				continue
			}
			var v any
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&v); err != nil {
				return nil, &CodecError{Op: "decode", Class: w.Clazz, Err: err}
			}
			if base.Extra == nil {
				base.Extra = make(map[string]any)
			}
			base.Extra[name] = decodeTree(v)
		}
	}

	base.Class = w.Clazz
	return msg, nil
}

var fieldCache sync.Map // reflect.Type -> map[string]bool

// jsonFields returns the JSON names of every serialized field of t,
// including those promoted from embedded structs.
func jsonFields(t reflect.Type) map[string]bool {
	if names, ok := fieldCache.Load(t); ok {
		return names.(map[string]bool)
	}
	names := make(map[string]bool)
	collectFields(t, names)
	fieldCache.Store(t, names)
	return names
}

func collectFields(t reflect.Type, names map[string]bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if f.Anonymous && name == "" {
			collectFields(f.Type, names)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names[name] = true
	}
}

// decodeArraysIn walks the serialized fields of v and decodes binary array
// envelopes held in untyped (interface) positions.
func decodeArraysIn(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			decodeArraysIn(v.Elem())
		}
	case reflect.Struct:
		t := v.Type()
		for i := range v.NumField() {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("json") == "-" {
				continue
			}
			decodeArraysIn(v.Field(i))
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() {
			v.Set(reflect.ValueOf(decodeTree(v.Interface())))
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.Interface {
			return
		}
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.IsNil() {
				continue
			}
			v.SetMapIndex(key, reflect.ValueOf(decodeTree(elem.Interface())))
		}
	case reflect.Slice:
		switch v.Type().Elem().Kind() {
		case reflect.Interface, reflect.Struct, reflect.Pointer:
			for i := range v.Len() {
				decodeArraysIn(v.Index(i))
			}
		}
	}
}
