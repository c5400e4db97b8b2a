package ibkr

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Supported API version range sent during the handshake.
const (
	minServerVersion = 100
	maxServerVersion = 151
)

// DialFunc opens the transport to TWS or IB Gateway.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// VenueError is an error message returned by the venue for a request.
type VenueError struct {
	Code    int64
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// Client is a single socket connection to TWS or IB Gateway. It implements
// broker.Venue and never reconnects on its own.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   DialFunc

	// stateMu serializes Connect and Disconnect.
	stateMu       sync.Mutex
	connMu        sync.RWMutex
	conn          net.Conn
	done          chan struct{}
	connected     atomic.Bool
	serverVersion int
	connectedAt   time.Time
	wg            sync.WaitGroup

	limiter *rate.Limiter
	writeMu sync.Mutex

	nextReqID   atomic.Int64
	nextOrderID atomic.Int64

	reqMu    sync.Mutex
	requests map[int64]*request

	// Position requests carry no id, so only one runs at a time.
	posMu  sync.Mutex
	posReq atomic.Pointer[request]

	ordersMu sync.RWMutex
	orders   map[string]*venueOrder
}

var _ broker.Venue = (*Client)(nil)

type venueOrder struct {
	contract types.Contract
	side     types.Side
	quantity decimal.Decimal
	status   types.OrderStatus
	exec     *types.Fill
	fill     *types.Fill
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// NewClient creates a new IBKR client.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = def.MaxRequestsPerSecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		requests: make(map[int64]*request),
		orders:   make(map[string]*venueOrder),
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	c.dial = dialer.DialContext
	for _, opt := range opts {
		opt(c)
	}
	c.nextReqID.Store(1000)
	return c
}

// Connect establishes the connection and waits for the first order id.
// It is a no-op when already connected. Every failure wraps
// types.ErrConnectionFailed.
func (c *Client) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.connected.Load() {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	c.logger.Info("connecting to IBKR",
		"addr", addr,
		"client_id", c.cfg.ClientID,
	)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", types.ErrConnectionFailed, addr, err)
	}

	r := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if err := c.handshake(conn, r); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: handshake: %v", types.ErrConnectionFailed, err)
	}
	_ = conn.SetDeadline(time.Time{})

	done := make(chan struct{})
	ready := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.done = done
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(r, done, ready)

	if err := c.writeFrame(encodeFrame(outStartAPI, 2, c.cfg.ClientID, "")); err != nil {
		c.teardown(done, err)
		c.wg.Wait()
		return fmt.Errorf("%w: start api: %v", types.ErrConnectionFailed, err)
	}

	select {
	case <-ready:
	case <-done:
		c.wg.Wait()
		return fmt.Errorf("%w: connection closed during startup", types.ErrConnectionFailed)
	case <-dialCtx.Done():
		c.teardown(done, dialCtx.Err())
		c.wg.Wait()
		return fmt.Errorf("%w: waiting for next valid id: %v", types.ErrConnectionFailed, dialCtx.Err())
	}

	c.connected.Store(true)
	c.connectedAt = time.Now()
	c.logger.Info("connected to IBKR",
		"server_version", c.serverVersion,
		"next_order_id", c.nextOrderID.Load(),
	)
	return nil
}

// handshake sends the API prefix and version range and reads the server
// version.
func (c *Client) handshake(conn net.Conn, r *bufio.Reader) error {
	msg := append([]byte("API\x00"), prefixSize([]byte(fmt.Sprintf("v%d..%d", minServerVersion, maxServerVersion)))...)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	fields, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("empty handshake response")
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("server version %q: %w", fields[0], err)
	}
	c.serverVersion = version
	c.logger.Debug("handshake response", "server_version", version)
	return nil
}

// readLoop decodes frames until the connection closes.
func (c *Client) readLoop(r *bufio.Reader, done chan struct{}, ready chan struct{}) {
	defer c.wg.Done()

	var once sync.Once
	markReady := func() { once.Do(func() { close(ready) }) }

	for {
		fields, err := readFrame(r)
		if err != nil {
			select {
			case <-done:
			default:
				c.logger.Warn("IBKR connection lost", "error", err)
				c.teardown(done, err)
			}
			return
		}
		c.dispatch(fields, markReady)
	}
}

// teardown closes the connection identified by done and fails every
// outstanding request. It is safe to call more than once.
func (c *Client) teardown(done chan struct{}, cause error) {
	c.connMu.Lock()
	if c.done != done || done == nil {
		c.connMu.Unlock()
		return
	}
	close(done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.done = nil
	c.connected.Store(false)
	c.connMu.Unlock()

	c.failRequests(fmt.Errorf("%w: %v", types.ErrConnectionFailed, cause))
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.connMu.RLock()
	done := c.done
	c.connMu.RUnlock()
	if done == nil {
		return nil
	}

	c.teardown(done, fmt.Errorf("disconnected"))
	c.wg.Wait()
	c.logger.Info("disconnected from IBKR")
	return nil
}

// IsConnected returns true once the venue has sent the first order id.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// send rate-limits and writes one request.
func (c *Client) send(ctx context.Context, fields ...any) error {
	if !c.connected.Load() {
		return fmt.Errorf("%w: not connected", types.ErrConnectionFailed)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return c.writeFrame(encodeFrame(fields...))
}

func (c *Client) writeFrame(frame []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", types.ErrConnectionFailed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(frame)
	return err
}

// dispatch routes one decoded message.
func (c *Client) dispatch(fields []string, markReady func()) {
	r := newFieldReader(fields)
	msgID := r.int()

	switch msgID {
	case inTickPrice, inContractData, inAccountSummary:
		r.skip(1)
		if reqID := r.int(); r.err == nil {
			c.route(reqID, r.rest(), false)
		}
	case inTickSnapshotEnd, inContractDataEnd, inAccountSummaryEnd:
		r.skip(1)
		if reqID := r.int(); r.err == nil {
			c.route(reqID, nil, true)
		}
	case inHistoricalData:
		if reqID := r.int(); r.err == nil {
			c.route(reqID, r.rest(), true)
		}
	case inPositionData:
		r.skip(1)
		if req := c.posReq.Load(); req != nil {
			req.add(r.rest())
		}
	case inPositionEnd:
		if req := c.posReq.Load(); req != nil {
			req.finish(nil)
		}
	case inNextValidID:
		r.skip(1)
		if id := r.int(); r.err == nil {
			c.nextOrderID.Store(id)
			markReady()
		}
	case inErrMsg:
		c.handleError(r)
	case inOrderStatus:
		c.handleOrderStatus(r)
	case inExecutionData:
		c.handleExecution(r)
	default:
		c.logger.Debug("unhandled message type", "msg_id", msgID)
	}

	if r.err != nil {
		c.logger.Debug("malformed message", "msg_id", msgID, "error", r.err)
	}
}

// handleError routes an error to its request or order. Codes 2100-2199
// are connectivity notices and are only logged.
func (c *Client) handleError(r *fieldReader) {
	r.skip(1)
	reqID := r.int()
	code := r.int()
	msg := r.str()
	if r.err != nil {
		return
	}

	if code >= 2100 && code < 2200 {
		c.logger.Debug("IBKR notice", "code", code, "message", msg)
		return
	}

	if req := c.lookup(reqID); req != nil {
		// 200: no security definition found. Zero matches, not a fault.
		if code == 200 {
			req.finish(nil)
			return
		}
		req.finish(&VenueError{Code: code, Message: msg})
		return
	}

	orderID := strconv.FormatInt(reqID, 10)
	c.ordersMu.Lock()
	o, ok := c.orders[orderID]
	if ok && o.status == types.OrderStatusSubmitted {
		o.status = types.OrderStatusCancelled
	}
	c.ordersMu.Unlock()
	if ok {
		c.logger.Warn("order rejected", "order_id", orderID, "code", code, "message", msg)
		return
	}
	c.logger.Warn("IBKR error", "req_id", reqID, "code", code, "message", msg)
}

// handleOrderStatus applies terminal order states. A single Filled status
// with nothing remaining produces the order's one fill.
func (c *Client) handleOrderStatus(r *fieldReader) {
	orderID := r.str()
	status := r.str()
	filled := r.decimal()
	remaining := r.decimal()
	avgPrice := r.decimal()
	if r.err != nil {
		return
	}

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()

	o, ok := c.orders[orderID]
	if !ok || o.status != types.OrderStatusSubmitted {
		return
	}

	switch status {
	case "Filled":
		if !remaining.IsZero() {
			return
		}
		f := types.Fill{
			OrderID:          orderID,
			Symbol:           o.contract.Key(),
			ContractNativeID: o.contract.NativeID,
			Quantity:         filled,
			Price:            avgPrice,
			Side:             o.side,
			Timestamp:        time.Now(),
		}
		if o.exec != nil {
			f.Timestamp = o.exec.Timestamp
			if f.ContractNativeID == 0 {
				f.ContractNativeID = o.exec.ContractNativeID
			}
		}
		o.fill = &f
		o.status = types.OrderStatusFilled
		c.logger.Info("order filled",
			"order_id", orderID,
			"quantity", filled.String(),
			"price", avgPrice.String(),
		)
	case "Cancelled", "ApiCancelled", "Inactive":
		o.status = types.OrderStatusCancelled
		c.logger.Info("order cancelled", "order_id", orderID, "status", status)
	}
}

// handleExecution records execution details used to timestamp the fill.
func (c *Client) handleExecution(r *fieldReader) {
	r.skip(1) // request id
	orderID := r.str()
	conID := r.int()
	symbol := r.str()
	r.skip(1) // execution id
	execTime := r.str()
	r.skip(1) // side
	shares := r.decimal()
	price := r.decimal()
	if r.err != nil {
		return
	}

	ts, err := time.ParseInLocation("20060102 15:04:05", execTime, time.UTC)
	if err != nil {
		ts = time.Now()
	}

	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()

	o, ok := c.orders[orderID]
	if !ok {
		return
	}
	o.exec = &types.Fill{
		OrderID:          orderID,
		Symbol:           symbol,
		ContractNativeID: conID,
		Quantity:         shares,
		Price:            price,
		Timestamp:        ts,
	}
	if o.fill != nil {
		o.fill.Timestamp = ts
		if o.fill.ContractNativeID == 0 {
			o.fill.ContractNativeID = conID
		}
	}
}

// request collects the messages answering one request id.
type request struct {
	mu   sync.Mutex
	rows [][]string
	err  error
	done chan struct{}
	once sync.Once
}

func newRequestState() *request {
	return &request{done: make(chan struct{})}
}

func (r *request) add(row []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
}

func (r *request) finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *request) result() ([][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows, r.err
}

func (c *Client) newRequest() (int64, *request) {
	id := c.nextReqID.Add(1)
	req := newRequestState()
	c.reqMu.Lock()
	c.requests[id] = req
	c.reqMu.Unlock()
	return id, req
}

func (c *Client) lookup(id int64) *request {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.requests[id]
}

func (c *Client) forget(id int64) {
	c.reqMu.Lock()
	delete(c.requests, id)
	c.reqMu.Unlock()
}

func (c *Client) route(id int64, row []string, end bool) {
	req := c.lookup(id)
	if req == nil {
		c.logger.Debug("message for unknown request", "req_id", id)
		return
	}
	if row != nil {
		req.add(row)
	}
	if end {
		req.finish(nil)
	}
}

func (c *Client) failRequests(err error) {
	c.reqMu.Lock()
	for _, req := range c.requests {
		req.finish(err)
	}
	c.reqMu.Unlock()

	if req := c.posReq.Load(); req != nil {
		req.finish(err)
	}
}

// await blocks until the request completes, ctx ends or the request
// timeout passes.
func (c *Client) await(ctx context.Context, req *request) ([][]string, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		return req.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timed out after %s", c.cfg.RequestTimeout)
	}
}
