package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tathienbao/exec-gateway/internal/types"
)

// DefaultKeyBucket is the time bucket folded into idempotency keys.
const DefaultKeyBucket = time.Minute

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/tathienbao/exec-gateway/dispatch"))

// IdempotencyKey derives a stable key from the strategy, contract, side and
// the time bucket containing at. Retries of the same instruction within one
// bucket share a key.
func IdempotencyKey(in types.TradeInstruction, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultKeyBucket
	}
	name := fmt.Sprintf("%s|%s|%d|%s|%d",
		in.StrategyName,
		in.Contract.Key(),
		in.Contract.NativeID,
		in.Side,
		at.Truncate(bucket).Unix(),
	)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry allows up to attempts calls when the gateway is unavailable,
// sleeping backoff times the attempt number between them. All attempts
// carry the same idempotency key.
func WithRetry(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

// WithKeyBucket sets the idempotency key time bucket.
func WithKeyBucket(d time.Duration) ClientOption {
	return func(c *Client) { c.bucket = d }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithClientClock replaces time.Now for key derivation.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// Client sends trade instructions to a gateway. By default it makes exactly
// one call per instruction.
type Client struct {
	target   string
	conn     *grpc.ClientConn
	logger   *slog.Logger
	dialOpts []grpc.DialOption
	attempts int
	backoff  time.Duration
	bucket   time.Duration
	now      func() time.Time
}

// Dial creates a client for target. The connection is established lazily
// on the first call.
func Dial(target string, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		target:   target,
		logger:   logger,
		attempts: 1,
		bucket:   DefaultKeyBucket,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	c.conn = conn
	return c, nil
}

// SendTrade delivers one instruction and returns the gateway's
// acknowledgment. Errors keep their gRPC status.
func (c *Client) SendTrade(ctx context.Context, in types.TradeInstruction) (Ack, error) {
	req := Request{Instruction: in}
	if c.attempts > 1 {
		req.IdempotencyKey = IdempotencyKey(in, c.now(), c.bucket)
	}
	msg, err := EncodeRequest(req)
	if err != nil {
		return Ack{}, err
	}

	for attempt := 1; ; attempt++ {
		out := new(structpb.Struct)
		err := c.conn.Invoke(ctx, sendTradeMethod, msg, out)
		if err == nil {
			return DecodeAck(out), nil
		}
		if status.Code(err) != codes.Unavailable || attempt >= c.attempts {
			return Ack{}, fmt.Errorf("send trade: %w", err)
		}

		wait := c.backoff * time.Duration(attempt)
		c.logger.Warn("gateway unavailable, retrying",
			"target", c.target,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return Ack{}, fmt.Errorf("send trade: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
