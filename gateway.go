package fjage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WaitForever makes Receive wait until a message matches or the wait is
// cancelled.
const WaitForever time.Duration = -1

// controlTimeoutFactor scales the base timeout for control round trips,
// which may be relayed across several containers.
const controlTimeoutFactor = 8

// notificationSuffix is appended to an agent name to form its notification
// topic.
const notificationSuffix = "__ntf"

// Gateway is a session with a fjage container. It multiplexes control
// requests, message exchange and topic subscriptions over one Connector and
// behaves towards the container as a peer hosting a single agent.
//
// A Gateway is safe for concurrent use by multiple goroutines.
type Gateway struct {
	cfg      gatewayConfig
	logger   *slog.Logger
	target   Target
	self     AgentID
	conn     *Connector
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	pending       map[string]chan *JSONMessage // control requests by envelope id
	subscriptions map[string]struct{}          // topic wire names
	listeners     []*listener
	listenerSeq   uint64
	observers     []func(Msg)
	connListeners []func(bool)
	queue         *messageQueue
	connected     bool
	connCh        chan struct{} // closed while connected
	cancelCh      chan struct{} // closed to abandon outstanding waits
	closed        bool
}

// listener is offered every message addressed to the gateway. Internal
// listeners back Receive and are safe to call with mu held.
type listener struct {
	id       uint64
	fn       func(Msg) bool
	internal bool
}

// New creates a Gateway and starts connecting in the background. Use
// WaitConnected, or Connect, to wait for the connection.
func New(opts ...Option) (*Gateway, error) {
	cfg := newGatewayConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := newGateway(cfg)
	g.start()
	return g, nil
}

// Connect creates a Gateway and waits until it is connected or ctx is done.
func Connect(ctx context.Context, opts ...Option) (*Gateway, error) {
	g, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := g.WaitConnected(ctx); err != nil {
		g.Close()
		return nil, &ConnectionError{Op: "connect", URL: g.cfg.URL(), Err: err}
	}
	return g, nil
}

func newGateway(cfg gatewayConfig) *Gateway {
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dial := cfg.dial
	if dial == nil {
		if cfg.Transport == TransportTCP {
			dial = DialTCP(cfg.URL())
		} else {
			dial = DialWebSocket(cfg.URL(), nil)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:           cfg,
		logger:        logger,
		target:        cfg.Target(),
		ctx:           ctx,
		cancel:        cancel,
		pending:       make(map[string]chan *JSONMessage),
		subscriptions: make(map[string]struct{}),
		queue:         newMessageQueue(cfg.QueueSize),
		connCh:        make(chan struct{}),
		cancelCh:      make(chan struct{}),
	}
	g.self = g.bind(NewAgentID("gateway-" + uuid.NewString()[:8]))
	g.conn = NewConnector(dial, ConnectorConfig{
		URL:            cfg.URL(),
		KeepAlive:      cfg.KeepAlive,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logger,
	}, g.onMsgRx)
	g.conn.OnConnectionChange(g.onConnectionChange)
	return g
}

func (g *Gateway) start() {
	g.conn.Connect()
}

// Self returns the gateway's own agent id.
func (g *Gateway) Self() AgentID {
	return g.self
}

// Target returns the container the gateway talks to.
func (g *Gateway) Target() Target {
	return g.target
}

// Connected reports whether the connection is currently open.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// WaitConnected blocks until the connection is open.
func (g *Gateway) WaitConnected(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	ch := g.connCh
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrClosed
	}
}

// Agent returns a reference to the named agent bound to this gateway.
func (g *Gateway) Agent(name string) AgentID {
	return g.bind(NewAgentID(name))
}

// Topic returns a reference to the named topic bound to this gateway.
func (g *Gateway) Topic(name string) AgentID {
	return g.bind(NewTopicID(name))
}

// NotificationTopic returns the topic on which aid publishes notifications,
// optionally narrowed by qualifier. A topic is returned unchanged.
func (g *Gateway) NotificationTopic(aid AgentID, qualifier string) AgentID {
	if aid.IsTopic() {
		return g.bind(aid)
	}
	name := aid.Name()
	if qualifier != "" {
		name += "__" + qualifier
	}
	return g.Topic(name + notificationSuffix)
}

// --- Messaging ---

// Send stamps msg with this gateway as sender and delivers it through the
// container. It fails with ErrNotConnected only when the connector has
// given up; while connecting the message is queued.
func (g *Gateway) Send(msg Msg) error {
	b := msg.Base()
	self := g.self
	b.Sender = &self
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Perf == "" {
		b.Perf = defaultPerf(b.Class)
	}
	return g.write(NewSendEnvelope(msg))
}

// Request sends msg and waits up to timeout for a message replying to it.
// A zero timeout uses the configured Timeout. A nil message with a nil
// error means no reply arrived in time.
func (g *Gateway) Request(ctx context.Context, msg Msg, timeout time.Duration) (Msg, error) {
	if timeout == 0 {
		timeout = g.cfg.Timeout
	}
	b := msg.Base()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	// Listen before sending so a fast reply cannot be missed.
	found, w, err := g.listen(ReplyTo(msg))
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}
	if err := g.Send(msg); err != nil {
		w.abandon()
		g.removeListener(w.id)
		return nil, err
	}
	return g.wait(ctx, w, timeout)
}

// Receive returns the oldest queued message matching f, or waits up to
// timeout for one to arrive. A zero timeout never waits; WaitForever waits
// until ctx is done. A nil filter matches any message. A nil message with a
// nil error means nothing matched in time.
func (g *Gateway) Receive(ctx context.Context, f Filter, timeout time.Duration) (Msg, error) {
	if f == nil {
		f = Any()
	}
	if timeout == 0 {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			return nil, ErrClosed
		}
		return g.queue.take(f), nil
	}

	found, w, err := g.listen(f)
	if err != nil || found != nil {
		return found, err
	}
	return g.wait(ctx, w, timeout)
}

// waiter is a one-shot listener that hands a single matching message to a
// blocked Receive. Exactly one of claim and abandon succeeds.
type waiter struct {
	id       uint64
	filter   Filter
	state    atomic.Int32 // 0 waiting, 1 claimed, 2 abandoned
	ch       chan Msg
	cancelCh chan struct{}
}

func (w *waiter) offer(msg Msg) bool {
	if !w.filter.matches(msg) {
		return false
	}
	if !w.state.CompareAndSwap(0, 1) {
		return false
	}
	w.ch <- msg
	return true
}

func (w *waiter) abandon() bool {
	return w.state.CompareAndSwap(0, 2)
}

// listen takes a queued match or registers a waiter for f. Both happen under
// one lock so a message is either queued or offered to the waiter.
func (g *Gateway) listen(f Filter) (Msg, *waiter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, ErrClosed
	}
	if msg := g.queue.take(f); msg != nil {
		return msg, nil, nil
	}
	w := &waiter{filter: f, ch: make(chan Msg, 1), cancelCh: g.cancelCh}
	w.id = g.addListenerLocked(w.offer, true)
	return nil, w, nil
}

func (g *Gateway) wait(ctx context.Context, w *waiter, timeout time.Duration) (Msg, error) {
	defer g.removeListener(w.id)

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var err error
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-expired:
	case <-w.cancelCh:
	case <-ctx.Done():
		err = ctx.Err()
	case <-g.ctx.Done():
		err = ErrClosed
	}
	if !w.abandon() {
		// Claimed while we were giving up.
		return <-w.ch, nil
	}
	return nil, err
}

// Flush discards all queued messages.
func (g *Gateway) Flush() {
	g.mu.Lock()
	g.queue.clear()
	g.mu.Unlock()
}

// Queued returns the messages waiting in the receive queue, oldest first.
func (g *Gateway) Queued() []Msg {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.snapshot()
}

// AddMessageListener registers fn to be offered every message addressed to
// this gateway, in registration order. Returning true consumes the message
// so later listeners and the receive queue never see it. fn runs on the
// connection's read goroutine and must not block on the gateway. The
// returned function removes the listener.
func (g *Gateway) AddMessageListener(fn func(Msg) bool) (remove func()) {
	g.mu.Lock()
	id := g.addListenerLocked(fn, false)
	g.mu.Unlock()
	return func() { g.removeListener(id) }
}

// OnMessage registers fn to observe every message addressed to this gateway
// before listeners see it.
func (g *Gateway) OnMessage(fn func(Msg)) {
	g.mu.Lock()
	g.observers = append(g.observers, fn)
	g.mu.Unlock()
}

// OnConnectionChange registers fn to be called with true whenever the
// connection opens and false whenever it is lost.
func (g *Gateway) OnConnectionChange(fn func(open bool)) {
	g.mu.Lock()
	g.connListeners = append(g.connListeners, fn)
	g.mu.Unlock()
}

func (g *Gateway) addListenerLocked(fn func(Msg) bool, internal bool) uint64 {
	g.listenerSeq++
	g.listeners = append(g.listeners, &listener{id: g.listenerSeq, fn: fn, internal: internal})
	return g.listenerSeq
}

func (g *Gateway) removeListener(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = slices.DeleteFunc(g.listeners, func(l *listener) bool { return l.id == id })
}

// --- Container queries ---

// Agents lists the agents in the container.
func (g *Gateway) Agents(ctx context.Context) ([]AgentID, error) {
	rsp, err := g.call(ctx, NewActionRequest(ActionAgents))
	if err != nil {
		return nil, err
	}
	if rsp == nil {
		return nil, g.lookupFailure(ActionAgents)
	}
	return g.bindAll(rsp.AgentIDs), nil
}

// ContainsAgent reports whether the container hosts aid.
func (g *Gateway) ContainsAgent(ctx context.Context, aid AgentID) (bool, error) {
	req := NewActionRequest(ActionContainsAgent)
	req.AgentID = aid.String()
	rsp, err := g.call(ctx, req)
	if err != nil {
		return false, err
	}
	if rsp == nil || rsp.Answer == nil {
		return false, g.lookupFailure(ActionContainsAgent)
	}
	return *rsp.Answer, nil
}

// AgentForService returns an agent providing service. The zero AgentID is
// returned when no agent does.
func (g *Gateway) AgentForService(ctx context.Context, service string) (AgentID, error) {
	req := NewActionRequest(ActionAgentForService)
	req.Service = service
	rsp, err := g.call(ctx, req)
	if err != nil {
		return AgentID{}, err
	}
	if rsp == nil {
		return AgentID{}, g.lookupFailure(ActionAgentForService)
	}
	if rsp.AgentID == "" {
		return AgentID{}, nil
	}
	return g.bind(ParseAgentID(rsp.AgentID)), nil
}

// AgentsForService returns every agent providing service.
func (g *Gateway) AgentsForService(ctx context.Context, service string) ([]AgentID, error) {
	req := NewActionRequest(ActionAgentsForService)
	req.Service = service
	rsp, err := g.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if rsp == nil {
		return nil, g.lookupFailure(ActionAgentsForService)
	}
	return g.bindAll(rsp.AgentIDs), nil
}

// call performs a control round trip. A nil response with a nil error means
// the container did not answer in time; errors are reserved for
// cancellation and a closed gateway.
func (g *Gateway) call(ctx context.Context, req *JSONMessage) (*JSONMessage, error) {
	ch := make(chan *JSONMessage, 1)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	g.pending[req.ID] = ch
	cancelCh := g.cancelCh
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	if err := g.write(req); err != nil {
		g.logger.Debug("control request not sent", slog.String("action", string(req.Action)), slog.Any("error", err))
		return nil, nil
	}

	t := time.NewTimer(g.cfg.Timeout * controlTimeoutFactor)
	defer t.Stop()

	select {
	case rsp := <-ch:
		return rsp, nil
	case <-t.C:
		g.logger.Debug("control request timed out", slog.String("action", string(req.Action)), slog.String("id", req.ID))
		return nil, nil
	case <-cancelCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.ctx.Done():
		return nil, ErrClosed
	}
}

func (g *Gateway) lookupFailure(action Action) error {
	if g.cfg.ReturnNullOnFailedResponse {
		return nil
	}
	return &RequestError{Action: action, Err: ErrNoResponse}
}

// --- Subscriptions ---

// Subscribe starts delivery of messages published on topic. An agent id is
// replaced by its notification topic.
func (g *Gateway) Subscribe(topic AgentID) {
	topic = g.subscriptionTopic(topic)
	g.mu.Lock()
	g.subscriptions[topic.String()] = struct{}{}
	g.mu.Unlock()
	g.updateWatch()
}

// Unsubscribe stops delivery of messages published on topic.
func (g *Gateway) Unsubscribe(topic AgentID) {
	topic = g.subscriptionTopic(topic)
	g.mu.Lock()
	delete(g.subscriptions, topic.String())
	g.mu.Unlock()
	g.updateWatch()
}

// Subscriptions returns the wire names of the subscribed topics.
func (g *Gateway) Subscriptions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Sorted(maps.Keys(g.subscriptions))
}

func (g *Gateway) subscriptionTopic(aid AgentID) AgentID {
	if aid.IsTopic() {
		return aid
	}
	return NewTopicID(aid.Name() + notificationSuffix)
}

// updateWatch tells the container which recipients to forward to us.
func (g *Gateway) updateWatch() {
	g.mu.Lock()
	watch := slices.Sorted(maps.Keys(g.subscriptions))
	g.mu.Unlock()
	watch = append(watch, g.self.Name())

	if err := g.write(NewWatchRequest(watch)); err != nil {
		g.logger.Debug("watch list not sent", slog.Any("error", err))
	}
}

// --- Lifecycle ---

// Close ends the session and closes the connection. Outstanding waits
// return ErrClosed.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.queue.clear()
	g.mu.Unlock()

	g.cancel()
	err := g.conn.Close()
	if g.registry != nil {
		g.registry.Remove(g)
	}
	return err
}

func (g *Gateway) onConnectionChange(open bool) {
	g.mu.Lock()
	if open && !g.connected {
		close(g.connCh)
	} else if !open && g.connected {
		g.connCh = make(chan struct{})
	}
	g.connected = open
	if !open && g.cfg.CancelPendingOnDisconnect {
		close(g.cancelCh)
		g.cancelCh = make(chan struct{})
		g.queue.clear()
	}
	listeners := slices.Clone(g.connListeners)
	g.mu.Unlock()

	if open {
		g.updateWatch()
	}
	for _, fn := range listeners {
		g.safely("connection listener", func() { fn(open) })
	}
}

// --- Wire ---

func (g *Gateway) write(env *JSONMessage) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if g.cfg.onSend != nil {
		g.cfg.onSend(env)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	g.logger.Debug("sending",
		slog.String("action", string(env.Action)),
		slog.String("id", env.ID),
	)

	if !g.conn.Write(string(data)) {
		return ErrNotConnected
	}
	return nil
}

// onMsgRx handles one line received from the container.
func (g *Gateway) onMsgRx(line string) {
	var env JSONMessage
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		g.logger.Debug("dropping malformed line", slog.Any("error", err))
		return
	}

	if g.cfg.onReceive != nil {
		g.cfg.onReceive(&env)
	}

	g.logger.Debug("received",
		slog.String("action", string(env.Action)),
		slog.String("id", env.ID),
		slog.String("in_response_to", string(env.InResponseTo)),
	)

	if env.ID != "" {
		g.mu.Lock()
		ch, ok := g.pending[env.ID]
		delete(g.pending, env.ID)
		g.mu.Unlock()
		if ok {
			ch <- &env
			return
		}
	}

	switch env.Action {
	case "":
	case ActionSend:
		if env.Message == nil {
			return
		}
		g.bindMessage(env.Message)
		if g.isForMe(env.Message.Base().Recipient) {
			g.dispatch(env.Message)
		}
	case ActionShutdown:
		g.logger.Info("shutdown requested by container")
		g.Close()
	default:
		g.answer(&env)
	}
}

func (g *Gateway) isForMe(recipient *AgentID) bool {
	if recipient == nil {
		return false
	}
	if recipient.IsTopic() {
		g.mu.Lock()
		_, ok := g.subscriptions[recipient.String()]
		g.mu.Unlock()
		return ok
	}
	return recipient.Name() == g.self.Name()
}

// dispatch notifies observers, offers msg to listeners in registration
// order and queues it if none consumed it.
func (g *Gateway) dispatch(msg Msg) {
	g.mu.Lock()
	observers := slices.Clone(g.observers)
	listeners := slices.Clone(g.listeners)
	seq := g.listenerSeq
	g.mu.Unlock()

	for _, fn := range observers {
		g.safely("message observer", func() { fn(msg) })
	}
	for _, l := range listeners {
		if g.offer(l, msg) {
			return
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	// Receives that started after the snapshot.
	for _, l := range g.listeners {
		if l.id > seq && l.internal && l.fn(msg) {
			return
		}
	}
	if evicted := g.queue.push(msg); evicted != nil {
		g.logger.Debug("receive queue full, dropped oldest message",
			slog.String("msg_id", evicted.Base().ID),
			slog.String("class", evicted.Base().Class),
		)
	}
}

func (g *Gateway) offer(l *listener, msg Msg) (consumed bool) {
	if l.internal {
		return l.fn(msg)
	}
	g.safely("message listener", func() { consumed = l.fn(msg) })
	return consumed
}

// answer replies to container queries about this gateway, which hosts only
// itself and provides no services.
func (g *Gateway) answer(req *JSONMessage) {
	rsp := newActionResponse(req)
	switch req.Action {
	case ActionAgents:
		rsp.AgentIDs = []string{g.self.Name()}
	case ActionContainsAgent:
		answer := req.AgentID == g.self.Name()
		rsp.Answer = &answer
	case ActionServices:
		rsp.Services = []string{}
	case ActionAgentForService:
	case ActionAgentsForService:
		rsp.AgentIDs = []string{}
	default:
		g.logger.Debug("ignoring unknown action", slog.String("action", string(req.Action)))
		return
	}
	if err := g.write(rsp); err != nil {
		g.logger.Debug("answer not sent", slog.String("action", string(req.Action)), slog.Any("error", err))
	}
}

func (g *Gateway) bind(aid AgentID) AgentID {
	aid.owner = g
	return aid
}

func (g *Gateway) bindAll(names []string) []AgentID {
	out := make([]AgentID, len(names))
	for i, name := range names {
		out[i] = g.bind(ParseAgentID(name))
	}
	return out
}

func (g *Gateway) bindMessage(msg Msg) {
	b := msg.Base()
	if b.Sender != nil {
		*b.Sender = g.bind(*b.Sender)
	}
	if b.Recipient != nil {
		*b.Recipient = g.bind(*b.Recipient)
	}
}

// safely runs a callback, logging instead of propagating a panic.
func (g *Gateway) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn(what+" panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
