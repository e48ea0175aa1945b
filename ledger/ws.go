package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"nhbrelay/core/types"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultDialTimeout = 10 * time.Second
	wsReadLimit        = 1 << 20
	subscriptionBuffer = 16

	methodChain       = "system_chain"
	methodNextIndex   = "system_accountNextIndex"
	methodSubmitWatch = "author_submitAndWatchExtrinsic"
	methodUnwatch     = "author_unwatchExtrinsic"
	notifyUpdate      = "author_extrinsicUpdate"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcMessage covers both responses (ID set) and subscription notifications
// (Method set).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorObj    `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *notifyParams   `json:"params,omitempty"`
}

type notifyParams struct {
	Subscription string `json:"subscription"`
	Result       Update `json:"result"`
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

// subscription carries the update stream of one watched submission. Updates
// are never dropped: the read loop waits for the subscriber until it leaves.
type subscription struct {
	updates chan Update
	lost    chan struct{}
	left    chan struct{}

	lostOnce  sync.Once
	leaveOnce sync.Once
	err       error
}

func newSubscription() *subscription {
	return &subscription{
		updates: make(chan Update, subscriptionBuffer),
		lost:    make(chan struct{}),
		left:    make(chan struct{}),
	}
}

// deliver blocks until the subscriber takes u or has left.
func (s *subscription) deliver(u Update) bool {
	select {
	case s.updates <- u:
		return true
	case <-s.left:
		return false
	}
}

// fail records the connection loss; err is visible once lost is closed.
func (s *subscription) fail(err error) {
	s.lostOnce.Do(func() {
		s.err = err
		close(s.lost)
	})
}

func (s *subscription) leave() {
	s.leaveOnce.Do(func() { close(s.left) })
}

type pendingCall struct {
	resp chan rpcResponse
	// sub is registered under the returned subscription id before the read
	// loop handles the next frame, so no notification can be missed.
	sub *subscription
}

// WSOption customises a WSClient.
type WSOption func(*WSClient)

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *slog.Logger) WSOption {
	return func(c *WSClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) WSOption {
	return func(c *WSClient) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithAuthToken sends a bearer token on the websocket handshake.
func WithAuthToken(token string) WSOption {
	return func(c *WSClient) {
		c.authToken = strings.TrimSpace(token)
	}
}

// WithFinality makes SignAndSubmit wait for finalization instead of resolving
// at block inclusion.
func WithFinality(wait bool) WSOption {
	return func(c *WSClient) {
		c.waitFinalized = wait
	}
}

// WSClient speaks JSON-RPC over a websocket to a ledger node. The connection
// is dialled lazily and re-dialled on the next call after it drops.
type WSClient struct {
	url           string
	authToken     string
	dialTimeout   time.Duration
	waitFinalized bool
	logger        *slog.Logger
	nextID        atomic.Int64

	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	pending map[int64]pendingCall
	subs    map[string]*subscription
	closed  bool
}

// NewWSClient constructs a client for the node at url.
func NewWSClient(url string, opts ...WSOption) *WSClient {
	c := &WSClient{
		url:         url,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
		pending:     make(map[int64]pendingCall),
		subs:        make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chain returns the node's chain name.
func (c *WSClient) Chain(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, methodChain, []interface{}{}, nil)
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("ledger: decode chain name: %w", err)
	}
	return name, nil
}

// NextIndex implements Client.
func (c *WSClient) NextIndex(ctx context.Context, address string) (uint64, error) {
	raw, err := c.call(ctx, methodNextIndex, []interface{}{address}, nil)
	if err != nil {
		return 0, err
	}
	var index uint64
	if err := json.Unmarshal(raw, &index); err != nil {
		return 0, fmt.Errorf("ledger: decode next index: %w", err)
	}
	return index, nil
}

// SignAndSubmit implements Client.
func (c *WSClient) SignAndSubmit(ctx context.Context, identity types.Identity, call types.Call, nonce uint64) (Result, error) {
	signed, err := NewEnvelope(identity.Address, nonce, call).Sign(identity.Signer)
	if err != nil {
		return Result{}, err
	}
	localHash, err := signed.Hash()
	if err != nil {
		return Result{}, err
	}

	sub := newSubscription()
	defer sub.leave()
	raw, err := c.call(ctx, methodSubmitWatch, []interface{}{signed}, sub)
	if err != nil {
		return Result{}, err
	}
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return Result{}, fmt.Errorf("ledger: decode subscription id: %w", err)
	}
	defer c.unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			c.unwatch(subID)
			return Result{}, ctx.Err()
		case update := <-sub.updates:
			c.logger.Debug("extrinsic update",
				slog.String("account", identity.Address),
				slog.Uint64("nonce", nonce),
				slog.String("status", update.Status))
			if result, done, err := c.resolve(update, localHash); done {
				return result, err
			}
		case <-sub.lost:
			// Updates that arrived before the loss still decide the outcome.
			for {
				select {
				case update := <-sub.updates:
					if result, done, err := c.resolve(update, localHash); done {
						return result, err
					}
				default:
					return Result{}, sub.err
				}
			}
		}
	}
}

func (c *WSClient) resolve(update Update, localHash string) (Result, bool, error) {
	result, done, err := Resolve(update, c.waitFinalized)
	if !done || err != nil {
		return Result{}, done, err
	}
	if result.TxHash == "" {
		result.TxHash = localHash
	}
	return result, true, nil
}

// Close terminates the connection. Calls issued afterwards fail with ErrClosed.
func (c *WSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "relay shutting down")
}

func (c *WSClient) call(ctx context.Context, method string, params interface{}, sub *subscription) (json.RawMessage, error) {
	conn, done, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	resp := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = pendingCall{resp: resp, sub: sub}
	c.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, payload)
	cancel()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("ledger: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-done:
		// The read loop may have delivered the response just before exiting.
		select {
		case r := <-resp:
			return r.result, r.err
		default:
			return nil, fmt.Errorf("ledger: %s: connection lost", method)
		}
	case r := <-resp:
		return r.result, r.err
	}
}

func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if c.conn != nil {
		conn, done := c.conn, c.done
		c.mu.Unlock()
		return conn, done, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	var opts *websocket.DialOptions
	if c.authToken != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.authToken}}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsReadLimit)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()
	c.logger.Info("ledger connection established", slog.String("url", c.url))

	go c.readLoop(conn, done)
	return conn, done, nil
}

func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	var loopErr error
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			loopErr = err
			break
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ledger sent malformed frame", slog.Any("error", err))
			continue
		}
		c.dispatch(msg)
	}
	c.drop(conn, done, loopErr)
}

func (c *WSClient) dispatch(msg rpcMessage) {
	if msg.ID == nil {
		if msg.Method != notifyUpdate || msg.Params == nil {
			return
		}
		c.mu.Lock()
		sub, ok := c.subs[msg.Params.Subscription]
		c.mu.Unlock()
		if !ok {
			return
		}
		if !sub.deliver(msg.Params.Result) {
			c.unsubscribe(msg.Params.Subscription)
		}
		return
	}

	c.mu.Lock()
	call, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	if ok && call.sub != nil && msg.Error == nil {
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err == nil && subID != "" {
			c.subs[subID] = call.sub
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		call.resp <- rpcResponse{err: &RPCError{Code: msg.Error.Code, Message: msg.Error.Message, Data: decodeErrorData(msg.Error.Data)}}
		return
	}
	call.resp <- rpcResponse{result: msg.Result}
}

func (c *WSClient) drop(conn *websocket.Conn, done chan struct{}, cause error) {
	lost := fmt.Errorf("ledger: connection lost: %w", cause)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.done = nil
	}
	pending := c.pending
	subs := c.subs
	c.pending = make(map[int64]pendingCall)
	c.subs = make(map[string]*subscription)
	closed := c.closed
	c.mu.Unlock()

	close(done)
	for _, call := range pending {
		call.resp <- rpcResponse{err: lost}
	}
	for _, sub := range subs {
		sub.fail(lost)
	}
	if !closed {
		c.logger.Warn("ledger connection dropped", slog.String("url", c.url), slog.Any("error", cause))
	}
	_ = conn.Close(websocket.StatusGoingAway, "read failed")
}

func (c *WSClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) unsubscribe(subID string) {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

// unwatch tells the node to stop streaming updates for an abandoned submission.
func (c *WSClient) unwatch(subID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		defer cancel()
		if _, err := c.call(ctx, methodUnwatch, []interface{}{subID}, nil); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Debug("unwatch failed", slog.String("subscription", subID), slog.Any("error", err))
		}
	}()
}

func decodeErrorData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
