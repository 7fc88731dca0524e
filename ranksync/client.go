package ranksync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/golang/glog"
)

// one duplex connection to a ranking endpoint, with reconnect
//
// all state transitions happen under `stateLock`. async work (dial, read, reconnect timer)
// carries the generation it was started in, and results from an older generation are discarded.
// nothing scheduled before a `Disconnect` can act after it.

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ConnectionStatus struct {
	State ConnectionState
	// the attempt number in `Reconnecting`, otherwise 0
	Attempt int
	// the id of the current connection in `Connecting` and `Connected`
	ConnectionId Id
	Endpoint     string
}

func (self ConnectionStatus) String() string {
	switch self.State {
	case Reconnecting:
		return fmt.Sprintf("%s(%d)", self.State, self.Attempt)
	case Connecting, Connected:
		return fmt.Sprintf("%s %s", self.State, self.ConnectionId)
	default:
		return self.State.String()
	}
}

type WsDialContextFunc func(ctx context.Context, endpoint string) (*websocket.Conn, error)

type MessageHandler func(message InboundMessage)

type StatusCallback func(status ConnectionStatus)

type ClientSettings struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	WsHandshakeTimeout   time.Duration
	WriteTimeout         time.Duration
	// when nil a `websocket.Dialer` with `WsHandshakeTimeout` is used
	WsDialContext WsDialContextFunc
	// when nil the real clock is used
	Clock clockwork.Clock
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

// min(base * 2^attempt, max). no jitter.
func ReconnectDelay(attempt int, base time.Duration, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i += 1 {
		if max <= delay {
			return max
		}
		delay *= 2
	}
	if max < delay {
		return max
	}
	return delay
}

func defaultWsDialContext(settings *ClientSettings) WsDialContextFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	return func(ctx context.Context, endpoint string) (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, endpoint, nil)
		return ws, err
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings      *ClientSettings
	clock         clockwork.Clock
	wsDialContext WsDialContextFunc

	stopCtxTeardown func() bool

	stateLock      sync.Mutex
	status         ConnectionStatus
	endpoint       string
	attempt        int
	generation     uint64
	ws             *websocket.Conn
	dialCancel     context.CancelFunc
	reconnectTimer clockwork.Timer
	handler        MessageHandler

	// gorilla allows one concurrent writer
	writeLock sync.Mutex

	statusMonitor   *Monitor
	statusCallbacks *CallbackList[StatusCallback]
}

func NewClientWithDefaults(ctx context.Context) *Client {
	return NewClient(ctx, DefaultClientSettings())
}

// the client is torn down when `ctx` is done or on `Close`
func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	clock := settings.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	wsDialContext := settings.WsDialContext
	if wsDialContext == nil {
		wsDialContext = defaultWsDialContext(settings)
	}

	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		clock:           clock,
		wsDialContext:   wsDialContext,
		status:          ConnectionStatus{State: Disconnected},
		statusMonitor:   NewMonitor(),
		statusCallbacks: NewCallbackList[StatusCallback](),
	}
	connectionState.WithLabelValues(Disconnected.String()).Inc()
	client.stopCtxTeardown = context.AfterFunc(ctx, func() {
		client.Disconnect()
		client.cancel()
	})
	return client
}

func (self *Client) SetMessageHandler(handler MessageHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handler = handler
}

func (self *Client) AddStatusCallback(callback StatusCallback) func() {
	return self.statusCallbacks.Add(callback)
}

// closed on the next status change
func (self *Client) StatusNotify() chan struct{} {
	return self.statusMonitor.NotifyChannel()
}

func (self *Client) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// no-op while connecting or connected
func (self *Client) Connect(endpoint string) {
	var status ConnectionStatus
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.ctx.Err() != nil {
			return false
		}

		switch self.status.State {
		case Connecting, Connected:
			return false
		case Reconnecting:
			// connect now, keep counting attempts
			if self.reconnectTimer != nil {
				self.reconnectTimer.Stop()
				self.reconnectTimer = nil
			}
		default:
			self.attempt = 0
		}
		self.endpoint = endpoint
		status = self.startConnectLocked()
		return true
	}()
	if changed {
		self.notifyStatus(status)
	}
}

func (self *Client) startConnectLocked() ConnectionStatus {
	self.generation += 1
	generation := self.generation
	connectionId := NewId()
	endpoint := self.endpoint

	dialCtx, dialCancel := context.WithCancel(self.ctx)
	self.dialCancel = dialCancel

	status := self.setStatusLocked(ConnectionStatus{
		State:        Connecting,
		ConnectionId: connectionId,
		Endpoint:     endpoint,
	})
	go self.run(dialCtx, generation, connectionId, endpoint)
	return status
}

func (self *Client) run(dialCtx context.Context, generation uint64, connectionId Id, endpoint string) {
	dial := func() (*websocket.Conn, error) {
		return self.wsDialContext(dialCtx, endpoint)
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s %s", connectionId, endpoint), dial)
	} else {
		ws, err = dial()
	}

	var status ConnectionStatus
	connected, changed := func() (bool, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.generation {
			if ws != nil {
				ws.Close()
			}
			return false, false
		}
		self.dialCancel = nil
		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", connectionId, err)
			status = self.failLocked()
			return false, true
		}

		self.ws = ws
		self.attempt = 0
		status = self.setStatusLocked(ConnectionStatus{
			State:        Connected,
			ConnectionId: connectionId,
			Endpoint:     endpoint,
		})
		return true, true
	}()
	if changed {
		self.notifyStatus(status)
	}
	if !connected {
		return
	}

	glog.V(1).Infof("[c]connected %s %s\n", connectionId, endpoint)
	self.read(generation, connectionId, ws)
}

// delivers frames in order. the handler for one frame returns before the next frame is read.
func (self *Client) read(generation uint64, connectionId Id, ws *websocket.Conn) {
	defer ws.Close()

	for {
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			self.connectionLost(generation, connectionId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, connectionId)
			continue
		}

		message, err := DecodeInboundMessage(frameBytes)
		if err != nil {
			framesDropped.Inc()
			glog.Infof("[cr]drop %s<- = %s\n", connectionId, err)
			continue
		}
		framesReceived.WithLabelValues(string(message.Type())).Inc()
		glog.V(2).Infof("[cr]%s %s<-\n", message.Type(), connectionId)

		if _, ok := message.(*HeartbeatMessage); ok {
			self.pong(connectionId, ws)
		}

		handler, current := func() (MessageHandler, bool) {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			return self.handler, generation == self.generation
		}()
		if !current {
			return
		}
		if handler != nil {
			HandleError(func() {
				handler(message)
			})
		}
	}
}

// a failed pong is not an error on its own. if the connection is broken the read fails next.
func (self *Client) pong(connectionId Id, ws *websocket.Conn) {
	pongBytes, err := EncodePong(self.clock.Now())
	if err != nil {
		return
	}
	if err := self.write(ws, pongBytes); err != nil {
		framesSent.WithLabelValues("error").Inc()
		glog.V(1).Infof("[cs]pong %s-> error = %s\n", connectionId, err)
		return
	}
	framesSent.WithLabelValues("ok").Inc()
	glog.V(2).Infof("[cs]pong %s->\n", connectionId)
}

func (self *Client) write(ws *websocket.Conn, payload []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func (self *Client) connectionLost(generation uint64, connectionId Id, err error) {
	var status ConnectionStatus
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.generation {
			// closed by disconnect
			return false
		}
		glog.Infof("[cr]%s<- error = %s\n", connectionId, err)
		self.ws = nil
		status = self.failLocked()
		return true
	}()
	if changed {
		self.notifyStatus(status)
	}
}

// schedules the next reconnect or moves to `Failed` when attempts are exhausted
func (self *Client) failLocked() ConnectionStatus {
	if self.settings.MaxReconnectAttempts <= self.attempt {
		glog.Infof("[c]reconnect failed after %d attempts %s\n", self.attempt, self.endpoint)
		self.attempt = 0
		return self.setStatusLocked(ConnectionStatus{
			State:    Failed,
			Endpoint: self.endpoint,
		})
	}

	self.attempt += 1
	attempt := self.attempt
	generation := self.generation
	delay := ReconnectDelay(attempt, self.settings.ReconnectBaseDelay, self.settings.ReconnectMaxDelay)
	glog.V(1).Infof("[c]reconnect in %s (attempt %d) %s\n", delay, attempt, self.endpoint)
	self.reconnectTimer = self.clock.AfterFunc(delay, func() {
		self.reconnect(generation)
	})
	reconnectAttempts.Inc()

	return self.setStatusLocked(ConnectionStatus{
		State:    Reconnecting,
		Attempt:  attempt,
		Endpoint: self.endpoint,
	})
}

func (self *Client) reconnect(generation uint64) {
	var status ConnectionStatus
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.generation || self.status.State != Reconnecting {
			return false
		}
		self.reconnectTimer = nil
		status = self.startConnectLocked()
		return true
	}()
	if changed {
		self.notifyStatus(status)
	}
}

// returns false when the payload was dropped. payloads are never queued.
func (self *Client) Send(payload []byte) bool {
	ws, connectionId := func() (*websocket.Conn, Id) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.status.State != Connected {
			return nil, Id{}
		}
		return self.ws, self.status.ConnectionId
	}()
	if ws == nil {
		framesSent.WithLabelValues("dropped").Inc()
		return false
	}

	if err := self.write(ws, payload); err != nil {
		framesSent.WithLabelValues("error").Inc()
		glog.Infof("[cs]%s-> error = %s\n", connectionId, err)
		// note that for websocket a deadline timeout cannot be recovered
		// closing lets the read loop start the reconnect
		ws.Close()
		return false
	}
	framesSent.WithLabelValues("ok").Inc()
	glog.V(2).Infof("[cs]%s->\n", connectionId)
	return true
}

// tears down the connection and cancels any pending reconnect
func (self *Client) Disconnect() {
	var status ConnectionStatus
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.generation += 1
		if self.reconnectTimer != nil {
			self.reconnectTimer.Stop()
			self.reconnectTimer = nil
		}
		if self.dialCancel != nil {
			self.dialCancel()
			self.dialCancel = nil
		}
		if self.ws != nil {
			ws := self.ws
			self.ws = nil
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(self.settings.WriteTimeout),
			)
			ws.Close()
		}
		self.attempt = 0
		if self.status.State == Disconnected {
			return false
		}
		status = self.setStatusLocked(ConnectionStatus{State: Disconnected})
		return true
	}()
	if changed {
		self.notifyStatus(status)
	}
}

// disconnects and releases the client. later `Connect` calls are ignored.
func (self *Client) Close() {
	self.stopCtxTeardown()
	self.Disconnect()
	self.cancel()
}

func (self *Client) setStatusLocked(status ConnectionStatus) ConnectionStatus {
	reportConnectionState(self.status.State, status.State)
	self.status = status
	return status
}

func (self *Client) notifyStatus(status ConnectionStatus) {
	glog.V(1).Infof("[c]status %s\n", status)
	self.statusMonitor.NotifyAll()
	for _, callback := range self.statusCallbacks.Get() {
		HandleError(func() {
			callback(status)
		})
	}
}
