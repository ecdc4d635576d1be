package fjage

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Action is the control verb carried by a JSONMessage envelope.
type Action string

const (
	ActionAgents           Action = "agents"
	ActionContainsAgent    Action = "containsAgent"
	ActionServices         Action = "services"
	ActionAgentForService  Action = "agentForService"
	ActionAgentsForService Action = "agentsForService"
	ActionSend             Action = "send"
	ActionWantsMessagesFor Action = "wantsMessagesFor"
	ActionShutdown         Action = "shutdown"
)

// Performative is the speech-act tag carried by every message.
type Performative string

const (
	Request       Performative = "REQUEST"
	Agree         Performative = "AGREE"
	Refuse        Performative = "REFUSE"
	Failure       Performative = "FAILURE"
	Inform        Performative = "INFORM"
	Confirm       Performative = "CONFIRM"
	Disconfirm    Performative = "DISCONFIRM"
	QueryIf       Performative = "QUERY_IF"
	NotUnderstood Performative = "NOT_UNDERSTOOD"
	CFP           Performative = "CFP"
	Propose       Performative = "PROPOSE"
	Cancel        Performative = "CANCEL"
)

// Control lines written by the connector around the session.
const (
	aliveLine = `{"alive":true}`
	deadLine  = `{"alive":false}`
)

// JSONMessage is the wire envelope exchanged with the container. Only the
// fields that are set are serialized.
type JSONMessage struct {
	ID           string
	Action       Action
	InResponseTo Action
	AgentID      string
	AgentIDs     []string
	Service      string
	Services     []string
	Answer       *bool
	Message      Msg
	Relay        bool
}

// wireEnvelope is the JSON shape of a JSONMessage. Slices are pointers so
// that an explicitly empty list is still sent.
type wireEnvelope struct {
	ID           string          `json:"id,omitempty"`
	Action       Action          `json:"action,omitempty"`
	InResponseTo Action          `json:"inResponseTo,omitempty"`
	AgentID      string          `json:"agentID,omitempty"`
	AgentIDs     *[]string       `json:"agentIDs,omitempty"`
	Service      string          `json:"service,omitempty"`
	Services     *[]string       `json:"services,omitempty"`
	Answer       *bool           `json:"answer,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Relay        bool            `json:"relay,omitempty"`
}

// MarshalJSON encodes the envelope, embedding the message as {clazz, data}.
func (m *JSONMessage) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		ID:           m.ID,
		Action:       m.Action,
		InResponseTo: m.InResponseTo,
		AgentID:      m.AgentID,
		Service:      m.Service,
		Answer:       m.Answer,
		Relay:        m.Relay,
	}
	if m.AgentIDs != nil {
		w.AgentIDs = &m.AgentIDs
	}
	if m.Services != nil {
		w.Services = &m.Services
	}
	if m.Message != nil {
		data, err := EncodeMessage(m.Message)
		if err != nil {
			return nil, err
		}
		w.Message = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope, reconstructing the embedded message
// through the class registry.
func (m *JSONMessage) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = JSONMessage{
		ID:           w.ID,
		Action:       w.Action,
		InResponseTo: w.InResponseTo,
		AgentID:      w.AgentID,
		Service:      w.Service,
		Answer:       w.Answer,
		Relay:        w.Relay,
	}
	if w.AgentIDs != nil {
		m.AgentIDs = *w.AgentIDs
	}
	if w.Services != nil {
		m.Services = *w.Services
	}
	if len(w.Message) > 0 && string(w.Message) != "null" {
		msg, err := DecodeMessage(w.Message)
		if err != nil {
			return err
		}
		m.Message = msg
	}
	return nil
}

// NewActionRequest creates a control request with a fresh id.
func NewActionRequest(action Action) *JSONMessage {
	return &JSONMessage{
		ID:     uuid.New().String(),
		Action: action,
	}
}

// NewSendEnvelope wraps msg for delivery through the container.
func NewSendEnvelope(msg Msg) *JSONMessage {
	return &JSONMessage{
		Action:  ActionSend,
		Message: msg,
		Relay:   true,
	}
}

// NewWatchRequest announces the recipients this client wants messages for.
func NewWatchRequest(agentIDs []string) *JSONMessage {
	return &JSONMessage{
		ID:       uuid.New().String(),
		Action:   ActionWantsMessagesFor,
		AgentIDs: agentIDs,
	}
}

// newActionResponse answers an action request from the container.
func newActionResponse(req *JSONMessage) *JSONMessage {
	return &JSONMessage{
		ID:           req.ID,
		InResponseTo: req.Action,
	}
}
