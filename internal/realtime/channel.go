package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	channelPath     = "/channel"
	eventStreamPath = "/channel/events"

	dialTimeout = 10 * time.Second
)

var errMissingChannelURL = errors.New("realtime: channel URL is required")

// State is the channel connection state.
type State string

const (
	// StateDisconnected means no transport is open.
	StateDisconnected State = "disconnected"
	// StateConnecting means the initial transport negotiation is in flight.
	StateConnecting State = "connecting"
	// StateConnected means a transport is open and delivering events.
	StateConnected State = "connected"
	// StateReconnecting means the transport dropped and a bounded backoff
	// retry is in progress.
	StateReconnecting State = "reconnecting"
	// StateFailed means the reconnect attempt budget is exhausted.
	StateFailed State = "failed"
)

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	// URL is the ws(s) endpoint root, derived from the REST origin by scheme
	// substitution only.
	URL                  string
	Token                string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// Channel is the long-lived connection carrying entity-lifecycle events. It is
// an explicit connection manager owned by the application root; consumers hold
// a reference instead of reaching into ambient global state. Subscriptions
// survive transport reconnects because they are registered on the dispatcher,
// not the socket.
type Channel struct {
	wsURL      string
	streamURL  string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	dispatcher *Dispatcher
	recon      *reconnector

	mu               sync.Mutex
	state            State
	transport        transport
	cancelFn         context.CancelFunc
	intentionalClose bool
	nextListenerID   int64
	stateListeners   map[int64]func(State)
}

// NewChannel validates configuration and constructs a disconnected Channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if trimmed == "" {
		return nil, errMissingChannelURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid channel URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("realtime: channel URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	streamParsed := *parsed
	if parsed.Scheme == "wss" {
		streamParsed.Scheme = "https"
	} else {
		streamParsed.Scheme = "http"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Channel{
		wsURL:          parsed.String(),
		streamURL:      streamParsed.String(),
		token:          cfg.Token,
		httpClient:     httpClient,
		logger:         logger,
		dispatcher:     NewDispatcher(),
		recon:          newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		state:          StateDisconnected,
		stateListeners: make(map[int64]func(State)),
	}, nil
}

// Subscribe registers a handler for one event kind. Registration is valid
// across reconnects; Dispose removes exactly this handler.
func (c *Channel) Subscribe(kind EventKind, handler Handler) *Subscription {
	return c.dispatcher.Subscribe(kind, handler)
}

// HandlerCount reports live registrations for an event kind.
func (c *Channel) HandlerCount(kind EventKind) int {
	return c.dispatcher.HandlerCount(kind)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener for state transitions and returns a
// dispose function.
func (c *Channel) OnStateChange(listener func(State)) func() {
	c.mu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.stateListeners[id] = listener
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.mu.Unlock()
	}
}

// Connect opens the channel. Calling Connect while connected or connecting is
// a no-op. The websocket transport is preferred; when its dial fails the
// channel falls back to the event-stream transport transparently.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()
	c.emitState(StateConnecting)
	c.recon.reset()

	tr, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.transport = tr
	c.cancelFn = cancel
	c.state = StateConnected
	c.mu.Unlock()
	c.recon.markConnected()
	c.emitState(StateConnected)

	c.logger.Info("channel connected", zap.String("transport", tr.name()))
	go c.readLoop(runCtx, tr)

	return nil
}

// OnlineNotifier reports offline-to-online connectivity transitions.
type OnlineNotifier interface {
	OnBecameOnline(listener func()) func()
}

// RetryOnOnline re-attempts Connect on every offline-to-online transition while
// the channel has no transport, so an agent that started offline still comes up
// once the backend is reachable. The returned dispose removes the hook.
func (c *Channel) RetryOnOnline(ctx context.Context, notifier OnlineNotifier) func() {
	return notifier.OnBecameOnline(func() {
		go func() {
			switch c.State() {
			case StateDisconnected, StateFailed:
				if err := c.Connect(ctx); err != nil {
					c.logger.Warn("channel connect retry failed", zap.Error(err))
				}
			}
		}()
	})
}

// Disconnect closes the channel. Safe to call repeatedly and when never
// connected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	tr := c.transport
	c.transport = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if tr != nil {
		tr.close() //nolint:errcheck
	}
	if changed {
		c.emitState(StateDisconnected)
	}
}

func (c *Channel) dial(ctx context.Context) (transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, wsErr := websocket.Dial(dialCtx, c.endpoint(c.wsURL, channelPath), &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if wsErr == nil {
		return &websocketTransport{conn: conn}, nil
	}

	c.logger.Debug("websocket dial failed, trying event stream", zap.Error(wsErr))

	tr, streamErr := c.dialEventStream(ctx)
	if streamErr != nil {
		return nil, fmt.Errorf("websocket: %v; event stream: %w", wsErr, streamErr)
	}
	return tr, nil
}

func (c *Channel) dialEventStream(ctx context.Context) (transport, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.streamURL, eventStreamPath), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("event stream HTTP %d", response.StatusCode)
	}
	return newEventStreamTransport(response), nil
}

func (c *Channel) endpoint(base, path string) string {
	endpoint := base + path
	if c.token != "" {
		endpoint += "?token=" + url.QueryEscape(c.token)
	}
	return endpoint
}

func (c *Channel) readLoop(ctx context.Context, tr transport) {
	for {
		data, err := tr.read(ctx)
		if err != nil {
			if c.isIntentionalClose() || ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel transport dropped", zap.Error(err))
			c.setState(StateDisconnected)
			c.reconnectLoop(ctx)
			return
		}

		var envelope Envelope
		if json.Unmarshal(data, &envelope) != nil || envelope.Event == "" {
			continue
		}
		c.dispatcher.Dispatch(envelope)
	}
}

func (c *Channel) reconnectLoop(ctx context.Context) {
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			// Disconnect during the backoff wait must not leave Reconnecting
			// as the last published state.
			if c.isIntentionalClose() {
				c.setState(StateDisconnected)
			}
			return
		case <-time.After(delay):
		}
		if c.isIntentionalClose() {
			c.setState(StateDisconnected)
			return
		}

		tr, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("channel reconnect attempt failed", zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			tr.close() //nolint:errcheck
			return
		}
		c.transport = tr
		c.state = StateConnected
		c.mu.Unlock()
		c.recon.markConnected()
		c.emitState(StateConnected)

		c.logger.Info("channel reconnected", zap.String("transport", tr.name()))
		go c.readLoop(ctx, tr)
		return
	}

	c.logger.Error("channel reconnect attempts exhausted")
	c.setState(StateFailed)
}

func (c *Channel) isIntentionalClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentionalClose
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.emitState(state)
}

func (c *Channel) emitState(state State) {
	c.mu.Lock()
	listeners := make([]func(State), 0, len(c.stateListeners))
	for _, listener := range c.stateListeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}
}
