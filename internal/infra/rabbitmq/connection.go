// internal/infra/rabbitmq/connection.go
package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// dialFunc is swapped in tests.
type dialFunc func(url string) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and reconnects with backoff when it drops.
// While reconnecting, GetConnection fails fast with ErrConnectionNotReady.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxDelay       time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger
	dial           dialFunc
	isConnected    bool
	closed         bool
	done           chan struct{}
	listeners      []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: time.Second,
		maxDelay:       time.Minute,
		dialTimeout:    30 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		dial:           amqp.Dial,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("component", "rabbitmq-connection")

	return cm
}

// Connect establishes the initial connection. Rejected credentials surface as ErrAccessRefused.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		cm.mu.Unlock()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	notifyClose := cm.attach(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	go cm.handleReconnect(notifyClose)
	return nil
}

// attach installs conn and returns its close notifications. Caller holds cm.mu.
// Listeners are told about the new connection before its close watcher starts,
// so a disconnect is never delivered ahead of the connect that preceded it.
func (cm *ConnectionManager) attach(conn *amqp.Connection) <-chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, classifyDialError(res.err)
		}
		return res.conn, nil
	case <-dialCtx.Done():
		// A late connection must not leak.
		go func() {
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// Channel opens a new AMQP channel on the current connection.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// handleReconnect waits for the connection to drop and then reconnects.
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if ok && err != nil {
			cause = err
			cm.logger.Error("connection closed", "error", err)
		}
		cm.notifyDisconnected(cause)
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until it succeeds, Close is called, or maxRetries is reached.
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)
		conn, err := cm.dialWithTimeout(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		notifyClose := cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(start))
		cm.notifyConnected()
		go cm.handleReconnect(notifyClose)
		return
	}

	cm.logger.Error("max reconnection attempts reached", "attempts", cm.maxRetries, "duration", time.Since(start))
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	})
}

// backoff returns the exponential delay for attempt, capped at maxDelay, spread by a
// jitter window of a quarter of the delay.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = time.Second
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > cm.maxDelay || delay <= 0 {
		delay = cm.maxDelay
	}
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// Listeners run synchronously on the goroutine that observed the state change, in
// the order the changes happened. They must not block.
func (cm *ConnectionManager) notifyConnected() {
	for _, l := range cm.stateListeners() {
		l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, l := range cm.stateListeners() {
		l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) stateListeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.listeners...)
}
