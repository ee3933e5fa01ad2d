package sxi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the interface link.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout bounds a single read; an idle link is not an error.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 2 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// backoffFactor grows the reconnect delay after each failed attempt.
	backoffFactor = 1.5

	// readBufferSize is the size of the line reader buffer.
	readBufferSize = 4096

	// syncBatchSize is the number of commands joined into one sync line.
	syncBatchSize = 16

	// defaultPort is the SXnet port used when the URL has none.
	defaultPort = "4104"
)

// Config holds interface connection configuration.
type Config struct {
	// Connection is the interface URL, "tcp://host:port".
	Connection string

	// ConnectTimeout is the maximum time to wait for connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout bounds a single read. Default: 30 seconds.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single line write. Default: 5 seconds.
	WriteTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 2 seconds.
	ReconnectInterval time.Duration
}

// Stats holds operational counters.
type Stats struct {
	LinesTx         uint64    `json:"lines_tx"`
	LinesRx         uint64    `json:"lines_rx"`
	UpdatesRx       uint64    `json:"updates_rx"`
	ErrorsTotal     uint64    `json:"errors_total"`
	ReconnectsTotal uint64    `json:"reconnects_total"`
	LastActivity    time.Time `json:"last_activity"`
	Connected       bool      `json:"connected"`
	Reconnecting    bool      `json:"reconnecting"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var (
	_ bus.Driver   = (*Client)(nil)
	_ bus.Notifier = (*Client)(nil)
)

// Client is a TCP connection to an SXnet-speaking bus interface.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Line writes are serialised; sink callbacks run on the receive goroutine.
//
// Auto-Reconnection:
//   - When the connection is lost, the client reconnects with exponential
//     backoff starting at ReconnectInterval, growing by 1.5x up to 2 minutes.
//   - Reconnection stops only when Close() is called.
type Client struct {
	cfg     Config
	network string
	address string

	// Connection state
	connMu    sync.RWMutex
	conn      net.Conn
	connected bool

	// writeMu serialises whole lines on the connection.
	writeMu sync.Mutex

	// Reconnection state
	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	sink   bus.Sink
	sinkMu sync.RWMutex

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	linesTx         atomic.Uint64
	linesRx         atomic.Uint64
	updatesRx       atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Connect establishes the connection to the interface and starts the
// receive loop.
//
// Parameters:
//   - ctx: Context for cancellation of the initial dial
//   - cfg: Connection configuration
//
// Returns:
//   - *Client: Connected client; attach it to a registry to receive changes
//   - error: If the URL is invalid or the dial fails
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:     cfg,
		network: network,
		address: address,
		done:    newCloseOnce(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()
	c.touch()

	c.wg.Add(1)
	go c.receiveLoop(conn)

	return c, nil
}

// parseConnectionURL parses an interface URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "tcp" {
		return "", "", fmt.Errorf("unsupported scheme %q (use tcp)", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("missing host in %q", connURL)
	}
	if u.Port() == "" {
		return "tcp", net.JoinHostPort(u.Hostname(), defaultPort), nil
	}
	return "tcp", u.Host, nil
}

// SetSink implements bus.Notifier. The sink learns the current connection
// status and, when connected, a full state sync is requested.
func (c *Client) SetSink(sink bus.Sink) {
	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()

	if sink == nil {
		return
	}
	if c.IsConnected() {
		sink.SetConnectionStatus(sx.StatusConnected)
		c.requestSync()
	} else {
		sink.SetConnectionStatus(sx.StatusDisconnected)
	}
}

func (c *Client) currentSink() bus.Sink {
	c.sinkMu.RLock()
	defer c.sinkMu.RUnlock()
	return c.sink
}

// Write implements bus.Driver. The interface echoes the stored value as an
// "X" push, which arrives through the sink.
func (c *Client) Write(channel, value int) (int, error) {
	if !sx.IsValidChannel(channel) {
		return sx.Invalid, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	if err := c.writeLine(fmt.Sprintf("SX %d %d", channel, value)); err != nil {
		return sx.Invalid, err
	}
	return value, nil
}

// SetPower implements bus.Driver.
func (c *Client) SetPower(value int) (int, error) {
	if err := c.writeLine(fmt.Sprintf("SETPOWER %d", value)); err != nil {
		return sx.Invalid, err
	}
	return value, nil
}

// writeLine sends one newline-terminated line. A failed write closes the
// connection so the receive loop starts reconnecting.
func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, bus.ErrNotConnected)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		c.errorsTotal.Add(1)
		c.logError("write failed", err)
		conn.Close()
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.linesTx.Add(1)
	c.touch()
	return nil
}

// requestSync asks the interface for the power state and every channel.
func (c *Client) requestSync() {
	cmds := make([]string, 0, sx.ChannelCount+1)
	cmds = append(cmds, "READPOWER")
	for ch := sx.ChannelMin; ch <= sx.ChannelMax; ch++ {
		cmds = append(cmds, fmt.Sprintf("R %d", ch))
	}

	for start := 0; start < len(cmds); start += syncBatchSize {
		end := min(start+syncBatchSize, len(cmds))
		if err := c.writeLine(strings.Join(cmds[start:end], ";")); err != nil {
			c.logError("state sync request failed", err)
			return
		}
	}
}

// receiveLoop reads pushes until Close, reconnecting whenever the
// connection drops.
func (c *Client) receiveLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		c.readConn(conn)

		if c.isClosed() {
			return
		}
		c.handleDisconnect()

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// readConn consumes lines from one connection until it fails.
func (c *Client) readConn(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, readBufferSize)
	var partial strings.Builder

	for {
		if c.isClosed() {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.handleReadError(err)
			return
		}

		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		line := strings.TrimRight(partial.String(), "\r\n")
		partial.Reset()
		c.handleLine(line)
	}
}

// handleReadError reports whether the connection must be abandoned.
// A read timeout only means the link was idle.
func (c *Client) handleReadError(err error) bool {
	if c.isClosed() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	c.logError("read failed", err)
	c.errorsTotal.Add(1)
	return true
}

// handleLine applies every push carried by one line.
func (c *Client) handleLine(line string) {
	c.linesRx.Add(1)
	c.touch()

	sink := c.currentSink()
	for _, segment := range strings.Split(line, ";") {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "X":
			if len(fields) != 3 {
				c.logDebug("malformed push", "line", segment)
				continue
			}
			ch, err := sx.ParseChannel(fields[1])
			if err != nil {
				c.logDebug("push with invalid channel", "line", segment)
				continue
			}
			v, err := sx.ParseByte(fields[2])
			if err != nil {
				c.logDebug("push with invalid value", "line", segment)
				continue
			}
			c.updatesRx.Add(1)
			if sink != nil {
				sink.ApplyExternal(ch, v)
			}
		case "XPOWER":
			if v, ok := parseFlag(fields); ok && sink != nil {
				sink.ApplyExternalPower(v)
			}
		case "XCONN":
			if v, ok := parseFlag(fields); ok && sink != nil {
				sink.SetConnectionStatus(v)
			}
		case "ERROR":
			c.errorsTotal.Add(1)
			c.logWarn("interface rejected a command")
		default:
			// OK, XL and the greeting carry nothing for the registry.
		}
	}
}

// parseFlag reads the 0/1 argument of an XPOWER or XCONN push.
func parseFlag(fields []string) (int, bool) {
	if len(fields) != 2 {
		return 0, false
	}
	switch fields[1] {
	case "0":
		return 0, true
	case "1":
		return 1, true
	default:
		return 0, false
	}
}

// handleDisconnect marks the link down and tells the registry.
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection", "address", c.address)
		if sink := c.currentSink(); sink != nil {
			sink.SetConnectionStatus(sx.StatusDisconnected)
		}
	}
}

// reconnect dials until it succeeds or Close is called.
func (c *Client) reconnect() (net.Conn, bool) {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for {
		if c.isClosed() {
			return nil, false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dialWithTimeout()
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return nil, false
			}
			continue
		}

		c.connMu.Lock()
		if c.isClosed() {
			c.connMu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.finalizeReconnection()
		return conn, true
	}
}

func (c *Client) dialWithTimeout() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	// Abort the dial when Close is called.
	go func() {
		select {
		case <-c.done.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var dialer net.Dialer
	return dialer.DialContext(ctx, c.network, c.address)
}

// handleReconnectFailure waits out the backoff and returns the next one,
// or 0 when Close was called.
func (c *Client) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect: dial failed", err)
	c.errorsTotal.Add(1)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-c.done.Done():
		return 0
	case <-timer.C:
	}

	return nextBackoff(backoff)
}

// nextBackoff grows a reconnect delay by 1.5x, capped at two minutes.
func nextBackoff(backoff time.Duration) time.Duration {
	next := time.Duration(float64(backoff) * backoffFactor)
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

func (c *Client) finalizeReconnection() {
	c.reconnectCount.Store(0)
	c.reconnectsTotal.Add(1)
	c.touch()
	c.logInfo("reconnected to interface", "address", c.address)

	if sink := c.currentSink(); sink != nil {
		sink.SetConnectionStatus(sx.StatusConnected)
		c.requestSync()
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().Unix())
}

// Close stops reconnection, closes the connection and waits for the
// receive loop to exit. Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	if sink := c.currentSink(); sink != nil {
		sink.SetConnectionStatus(sx.StatusDisconnected)
	}
	c.logInfo("connection closed", "address", c.address)
	return nil
}

// IsConnected implements bus.Driver.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Address returns the host:port of the interface.
func (c *Client) Address() string {
	return c.address
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		LinesTx:         c.linesTx.Load(),
		LinesRx:         c.linesRx.Load(),
		UpdatesRx:       c.updatesRx.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck returns ErrNotConnected while the link is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// SetLogger sets the logger for connection events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
