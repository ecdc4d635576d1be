package fjage

// Filter selects which received message satisfies a Receive or Request.
// Filters are built with InReplyTo, ReplyTo, OfClass, OfType and Match.
type Filter interface {
	matches(msg Msg) bool
}

type replyFilter string

func (f replyFilter) matches(msg Msg) bool {
	return msg.Base().InReplyTo == string(f)
}

// InReplyTo matches messages replying to the message with the given id.
func InReplyTo(id string) Filter {
	return replyFilter(id)
}

// ReplyTo matches replies to req.
func ReplyTo(req Msg) Filter {
	return replyFilter(req.Base().ID)
}

type classFilter string

func (f classFilter) matches(msg Msg) bool {
	return msg.Base().Class == string(f)
}

// OfClass matches messages of the given fully qualified class.
func OfClass(class string) Filter {
	return classFilter(class)
}

type typeFilter func(Msg) bool

func (f typeFilter) matches(msg Msg) bool {
	return f(msg)
}

// OfType matches messages whose concrete Go type is T.
func OfType[T Msg]() Filter {
	return typeFilter(func(msg Msg) bool {
		_, ok := msg.(T)
		return ok
	})
}

type predicateFilter func(Msg) bool

// matches treats a panicking predicate as a non-match.
func (f predicateFilter) matches(msg Msg) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return f(msg)
}

// Match matches messages for which fn returns true.
func Match(fn func(Msg) bool) Filter {
	return predicateFilter(fn)
}

type anyFilter struct{}

func (anyFilter) matches(Msg) bool { return true }

// Any matches every message.
func Any() Filter {
	return anyFilter{}
}
