package liveview

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
	// terminal until an explicit `Reconnect` call
	ConnectionStateError
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ConnectionStateFunction func(state ConnectionState)

type ConnectionSettings struct {
	// cache bound per view
	MaxEntriesPerView int
	// when true, every inbound frame is structurally validated before
	// it is admitted to any cache. malformed frames are dropped and
	// counted, never raised to the subscriber.
	ValidateFrames bool

	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration

	SendBufferSize int
	// per-subscriber emission buffer. when full, the oldest buffered
	// emission for that subscriber is dropped.
	SubscriptionBufferSize int

	TransportDialer TransportDialFunction
	// used by `DialQuic`. when nil a config with the liveview alpn is
	// derived from the endpoint.
	QuicTlsConfig *tls.Config
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		MaxEntriesPerView:      10000,
		ValidateFrames:         false,
		WsHandshakeTimeout:     2 * time.Second,
		AuthTimeout:            2 * time.Second,
		PingTimeout:            1 * time.Second,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            15 * time.Second,
		ReconnectMinTimeout:    500 * time.Millisecond,
		ReconnectMaxTimeout:    30 * time.Second,
		SendBufferSize:         32,
		SubscriptionBufferSize: 32,
		TransportDialer:        DialWebSocket,
	}
}

// owns one transport session to a single stack endpoint and
// multiplexes view subscriptions over it.
// local caches and subscriptions survive transport loss. while
// reconnecting, subscribe requests queue and replay in original order
// once connected, and the first resumed delivery per view is an
// upsert resync.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	auth     *ClientAuth
	settings *ConnectionSettings

	stateLock sync.Mutex
	state     ConnectionState
	running   bool
	transport Transport
	send      chan []byte
	views     map[ViewPath]*View
	// issued subscribe requests, in original order, for replay
	subscribeHistory []*SubscribeRequest

	// serializes subscribe ordering between replay and live calls
	sendLock sync.Mutex

	stateCallbacks *CallbackList[ConnectionStateFunction]
	stateMonitor   *Monitor
	// transitions queue under `notifyLock` and one goroutine drains the
	// queue with the lock released, so callbacks observe transitions in
	// order and may call back into the connection
	notifyLock  sync.Mutex
	notifyQueue []ConnectionState
	notifying   bool

	droppedFrameCount atomic.Int64
}

func ConnectWithDefaults(ctx context.Context, endpoint string, auth *ClientAuth) (*Connection, error) {
	return Connect(ctx, endpoint, auth, DefaultConnectionSettings())
}

// establishes the session. fails with `*ConnectionError` on an
// unreachable endpoint or handshake failure.
func Connect(
	ctx context.Context,
	endpoint string,
	auth *ClientAuth,
	settings *ConnectionSettings,
) (*Connection, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		ctx:            cancelCtx,
		cancel:         cancel,
		endpoint:       endpoint,
		auth:           auth,
		settings:       settings,
		state:          ConnectionStateDisconnected,
		views:          map[ViewPath]*View{},
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
		stateMonitor:   NewMonitor(),
	}

	conn.setState(ConnectionStateConnecting)
	t, err := settings.TransportDialer(cancelCtx, endpoint, auth, settings)
	if err != nil {
		cancel()
		conn.setState(ConnectionStateError)
		return nil, &ConnectionError{
			Endpoint: endpoint,
			Op:       "connect",
			Err:      err,
		}
	}
	conn.setState(ConnectionStateConnected)

	conn.stateLock.Lock()
	conn.running = true
	conn.stateLock.Unlock()
	go conn.run(t)

	return conn, nil
}

func (self *Connection) run(t Transport) {
	defer func() {
		if t != nil {
			t.Close()
		}
		self.stateLock.Lock()
		self.running = false
		self.stateLock.Unlock()
	}()

	for {
		if t == nil {
			reconnect := NewReconnect(
				self.settings.ReconnectMinTimeout,
				self.settings.ReconnectMaxTimeout,
			)
			for {
				var err error
				t, err = self.settings.TransportDialer(self.ctx, self.endpoint, self.auth, self.settings)
				if err == nil {
					break
				}
				if errors.Is(err, errAuthRejected) {
					glog.Infof("[lv]fatal rejection %s = %s\n", self.endpoint, err)
					self.setState(ConnectionStateError)
					return
				}
				glog.Infof("[lv]reconnect error %s = %s\n", self.endpoint, err)
				select {
				case <-self.ctx.Done():
					self.setState(ConnectionStateDisconnected)
					return
				case <-reconnect.After():
				}
			}
			self.setState(ConnectionStateConnected)
		}

		self.session(t)
		t = nil

		select {
		case <-self.ctx.Done():
			self.setState(ConnectionStateDisconnected)
			return
		default:
		}
		// existing local caches and subscriptions are preserved
		self.setState(ConnectionStateReconnecting)
	}
}

// runs one transport session to completion.
// the read loop runs on the calling goroutine and is the single
// writer for every view cache.
func (self *Connection) session(t Transport) {
	defer t.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.transport = t
	self.send = send
	history := make([]*SubscribeRequest, len(self.subscribeHistory))
	copy(history, self.subscribeHistory)
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.transport = nil
		self.send = nil
		self.stateLock.Unlock()
	}()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				if err := t.Write(message); err != nil {
					glog.Infof("[lv]%s-> error = %s\n", self.endpoint, err)
					return
				}
				glog.V(2).Infof("[lv]%s->\n", self.endpoint)
			case <-time.After(self.settings.PingTimeout):
				if err := t.Ping(); err != nil {
					return
				}
			}
		}
	}()

	// replay queued subscriptions in original order
	self.sendLock.Lock()
	for _, request := range history {
		if requestBytes, err := EncodeSubscribeRequest(request); err == nil {
			select {
			case <-handleCtx.Done():
			case send <- requestBytes:
			}
		}
	}
	self.sendLock.Unlock()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		message, err := t.Read()
		if err != nil {
			glog.Infof("[lv]%s<- error = %s\n", self.endpoint, err)
			return
		}
		self.dispatch(message)
	}
}

func (self *Connection) dispatch(message []byte) {
	frame, err := DecodeFrame(message)
	if err != nil {
		self.droppedFrameCount.Add(1)
		glog.V(1).Infof("[lv]drop undecodable frame = %s\n", err)
		return
	}
	if self.settings.ValidateFrames {
		if err := ValidateFrame(frame); err != nil {
			self.droppedFrameCount.Add(1)
			glog.V(1).Infof("[lv]drop invalid frame = %s\n", err)
			return
		}
	}

	self.stateLock.Lock()
	views := make([]*View, 0, 1)
	for path, view := range self.views {
		if path.Name == frame.View {
			views = append(views, view)
		}
	}
	self.stateLock.Unlock()

	for _, view := range views {
		view.applyFrame(frame)
	}
}

// number of inbound frames dropped before reaching any cache
func (self *Connection) DroppedFrameCount() int64 {
	return self.droppedFrameCount.Load()
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// fires once per transition, delivered in transition order.
// returns an unsubscribe function.
func (self *Connection) AddStateChangeCallback(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Connection) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[lv]%s state = %s\n", self.endpoint, state)

	self.notifyLock.Lock()
	self.notifyQueue = append(self.notifyQueue, state)
	if self.notifying {
		// the draining goroutine delivers this transition in order
		self.notifyLock.Unlock()
		return
	}
	self.notifying = true
	for 0 < len(self.notifyQueue) {
		next := self.notifyQueue[0]
		self.notifyQueue = self.notifyQueue[1:]
		self.notifyLock.Unlock()

		// no lock held here, so a callback may call `Disconnect` or
		// `Reconnect` without deadlocking
		for _, callback := range self.stateCallbacks.Get() {
			HandleError(func() {
				callback(next)
			})
		}
		self.stateMonitor.NotifyAll()

		self.notifyLock.Lock()
	}
	self.notifying = false
	self.notifyLock.Unlock()
}

// returns the live view for the path, creating it on first use.
// one local cache per view.
func (self *Connection) View(path ViewPath, settings *ViewSettings) *View {
	self.stateLock.Lock()
	view, ok := self.views[path]
	if !ok {
		if settings == nil {
			settings = DefaultViewSettings()
		}
		maxEntries := self.settings.MaxEntriesPerView
		if 0 < settings.MaxEntries {
			maxEntries = settings.MaxEntries
		}
		view = newView(self, path, settings, maxEntries)
		self.views[path] = view
	}
	self.stateLock.Unlock()

	if !ok {
		view.subscribe(0, 0)
	}
	return view
}

// queues the request for the current session, or for replay once
// connected. requests are deduplicated per (view, kind, take, skip).
func (self *Connection) subscribe(request *SubscribeRequest) {
	self.stateLock.Lock()
	for _, existing := range self.subscribeHistory {
		if existing.View == request.View &&
			existing.Kind == request.Kind &&
			existing.Take == request.Take &&
			existing.Skip == request.Skip {
			self.stateLock.Unlock()
			return
		}
	}
	self.subscribeHistory = append(self.subscribeHistory, request)
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		// reconnecting. the request replays with the history.
		return
	}
	requestBytes, err := EncodeSubscribeRequest(request)
	if err != nil {
		return
	}
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	select {
	case <-self.ctx.Done():
	case send <- requestBytes:
	}
}

// releases the transport and moves state to `disconnected`. idempotent.
func (self *Connection) Disconnect() {
	self.cancel()
	self.stateLock.Lock()
	t := self.transport
	self.stateLock.Unlock()
	if t != nil {
		t.Close()
	}
	self.setState(ConnectionStateDisconnected)
}

// restarts a connection that reached the terminal `error` state
func (self *Connection) Reconnect() {
	self.stateLock.Lock()
	if self.running {
		self.stateLock.Unlock()
		return
	}
	self.running = true
	self.stateLock.Unlock()

	self.setState(ConnectionStateReconnecting)
	go self.run(nil)
}
