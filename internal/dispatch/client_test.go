package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tathienbao/exec-gateway/internal/types"
)

// flakyServer fails the first n calls with Unavailable.
type flakyServer struct {
	mu    sync.Mutex
	fail  int
	calls int
	keys  []string
}

func (f *flakyServer) SendTrade(_ context.Context, msg *structpb.Struct) (*structpb.Struct, error) {
	req, err := DecodeRequest(msg)
	if err != nil {
		return nil, toStatus(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, req.IdempotencyKey)
	if f.calls <= f.fail {
		return nil, status.Error(codes.Unavailable, "gateway restarting")
	}
	return EncodeAck(Ack{Status: StatusSubmitted, OrderID: "42"}), nil
}

func TestClient_NoRetryByDefault(t *testing.T) {
	srv := &flakyServer{fail: 1}
	client := serve(t, srv)

	_, err := client.SendTrade(context.Background(), trade(types.SideBuy, 1))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("SendTrade() error = %v, want Unavailable", err)
	}
	if srv.calls != 1 {
		t.Errorf("calls = %d, want 1", srv.calls)
	}
	if srv.keys[0] != "" {
		t.Errorf("idempotency key = %q, want none without retry", srv.keys[0])
	}
}

func TestClient_RetryCarriesSameKey(t *testing.T) {
	srv := &flakyServer{fail: 2}
	client := serve(t, srv, WithRetry(3, time.Millisecond))

	ack, err := client.SendTrade(context.Background(), trade(types.SideBuy, 1))
	if err != nil {
		t.Fatalf("SendTrade() error = %v", err)
	}
	if ack.OrderID != "42" {
		t.Errorf("OrderID = %q, want 42", ack.OrderID)
	}
	if srv.calls != 3 {
		t.Errorf("calls = %d, want 3", srv.calls)
	}
	for i, k := range srv.keys {
		if k == "" || k != srv.keys[0] {
			t.Errorf("key[%d] = %q, want %q on every attempt", i, k, srv.keys[0])
		}
	}
}

func TestClient_RetryGivesUp(t *testing.T) {
	srv := &flakyServer{fail: 5}
	client := serve(t, srv, WithRetry(2, time.Millisecond))

	_, err := client.SendTrade(context.Background(), trade(types.SideBuy, 1))
	if status.Code(err) != codes.Unavailable {
		t.Errorf("SendTrade() error = %v, want Unavailable", err)
	}
	if srv.calls != 2 {
		t.Errorf("calls = %d, want 2", srv.calls)
	}
}

func TestClient_NoRetryOnOtherCodes(t *testing.T) {
	srv := &flakyServer{}
	client := serve(t, srv, WithRetry(3, time.Millisecond))

	bad := trade(types.SideBuy, 1)
	bad.Contract.AssetClass = types.AssetClass(9)
	_, err := client.SendTrade(context.Background(), bad)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("SendTrade() error = %v, want InvalidArgument", err)
	}
	if srv.calls != 0 {
		t.Errorf("calls = %d, want 0", srv.calls)
	}
}

func TestIdempotencyKey(t *testing.T) {
	at := time.Date(2025, 3, 12, 15, 0, 10, 0, time.UTC)
	buy := trade(types.SideBuy, 1)
	sell := trade(types.SideSell, 1)

	base := IdempotencyKey(buy, at, time.Minute)
	if got := IdempotencyKey(buy, at.Add(40*time.Second), time.Minute); got != base {
		t.Errorf("same bucket key = %s, want %s", got, base)
	}
	if got := IdempotencyKey(buy, at.Add(time.Minute), time.Minute); got == base {
		t.Error("next bucket produced the same key")
	}
	if got := IdempotencyKey(sell, at, time.Minute); got == base {
		t.Error("opposite side produced the same key")
	}
	other := buy
	other.StrategyName = "Other"
	if got := IdempotencyKey(other, at, time.Minute); got == base {
		t.Error("other strategy produced the same key")
	}
	if got := IdempotencyKey(buy, at, 0); got != IdempotencyKey(buy, at, DefaultKeyBucket) {
		t.Error("zero bucket should use the default bucket")
	}
}
