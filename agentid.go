package fjage

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// topicPrefix marks topic names on the wire.
const topicPrefix = "#"

// AgentID references an agent or topic. IDs obtained from a Gateway carry a
// reference to it and can send messages and access parameters directly.
// The reference does not keep the Gateway open.
type AgentID struct {
	name  string
	topic bool
	owner *Gateway
}

// NewAgentID creates an unowned reference to an agent.
func NewAgentID(name string) AgentID {
	return AgentID{name: name}
}

// NewTopicID creates an unowned reference to a topic.
func NewTopicID(name string) AgentID {
	return AgentID{name: name, topic: true}
}

// ParseAgentID parses the wire form, where topics are prefixed with "#".
func ParseAgentID(s string) AgentID {
	if name, ok := strings.CutPrefix(s, topicPrefix); ok {
		return AgentID{name: name, topic: true}
	}
	return AgentID{name: s}
}

// Name returns the agent or topic name.
func (a AgentID) Name() string {
	return a.name
}

// IsTopic reports whether a refers to a topic.
func (a AgentID) IsTopic() bool {
	return a.topic
}

// Gateway returns the gateway the ID is bound to, or nil.
func (a AgentID) Gateway() *Gateway {
	return a.owner
}

// String returns the wire form of the ID.
func (a AgentID) String() string {
	if a.topic {
		return topicPrefix + a.name
	}
	return a.name
}

// IsZero reports whether a is the zero AgentID, which names nothing.
func (a AgentID) IsZero() bool {
	return a.name == "" && !a.topic
}

// Equal reports whether a and b name the same agent or topic.
func (a AgentID) Equal(b AgentID) bool {
	return a.name == b.name && a.topic == b.topic
}

func (a AgentID) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *AgentID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	owner := a.owner
	*a = ParseAgentID(s)
	a.owner = owner
	return nil
}

// Send sends msg to this agent.
func (a AgentID) Send(msg Msg) error {
	if a.owner == nil {
		return ErrNoGateway
	}
	recipient := a
	msg.Base().Recipient = &recipient
	return a.owner.Send(msg)
}

// Request sends msg to this agent and waits up to timeout for the reply.
func (a AgentID) Request(ctx context.Context, msg Msg, timeout time.Duration) (Msg, error) {
	if a.owner == nil {
		return nil, ErrNoGateway
	}
	recipient := a
	msg.Base().Recipient = &recipient
	return a.owner.Request(ctx, msg, timeout)
}
