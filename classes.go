package fjage

import (
	"slices"
	"sync"
)

// MessageFactory creates an empty message of a registered class.
type MessageFactory func() Msg

// classRegistry maps fully qualified class names to message factories.
type classRegistry struct {
	mu        sync.RWMutex
	factories map[string]MessageFactory
}

var classes = &classRegistry{factories: make(map[string]MessageFactory)}

func init() {
	RegisterMessage(MessageClass, func() Msg { return NewMessage(MessageClass) })
	RegisterMessage(GenericMessageClass, func() Msg { return NewGenericMessage() })
	RegisterMessage(ParameterReqClass, func() Msg { return NewParameterReq() })
	RegisterMessage(ParameterRspClass, func() Msg { return NewParameterRsp() })
	RegisterMessage(ShellExecReqClass, func() Msg { return NewShellExecReq("") })
	RegisterMessage(GetFileReqClass, func() Msg { return NewGetFileReq("") })
	RegisterMessage(GetFileRspClass, func() Msg { return NewGetFileRsp() })
	RegisterMessage(PutFileReqClass, func() Msg { return NewPutFileReq("", nil) })
}

// RegisterMessage registers a factory for class so that incoming messages
// of that class decode into the concrete type it returns. Registering an
// existing class replaces its factory.
func RegisterMessage(class string, factory MessageFactory) {
	classes.mu.Lock()
	classes.factories[class] = factory
	classes.mu.Unlock()
}

// LookupMessage returns the factory registered for class.
func LookupMessage(class string) (MessageFactory, bool) {
	classes.mu.RLock()
	defer classes.mu.RUnlock()
	f, ok := classes.factories[class]
	return f, ok
}

// RegisteredClasses returns all registered class names in sorted order.
func RegisteredClasses() []string {
	classes.mu.RLock()
	names := make([]string, 0, len(classes.factories))
	for name := range classes.factories {
		names = append(names, name)
	}
	classes.mu.RUnlock()
	slices.Sort(names)
	return names
}

// newMessageOf returns an empty message for class, falling back to a plain
// Message when the class is not registered.
func newMessageOf(class string) Msg {
	if f, ok := LookupMessage(class); ok {
		msg := f()
		msg.Base().Class = class
		return msg
	}
	return &Message{Class: class}
}
