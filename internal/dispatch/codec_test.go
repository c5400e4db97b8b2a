package dispatch

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tathienbao/exec-gateway/internal/types"
)

func TestEncodeDecodeRequest(t *testing.T) {
	req := Request{
		Instruction: types.TradeInstruction{
			StrategyName: "Test",
			Contract: types.Contract{
				Symbol:     "MYM",
				AssetClass: types.AssetFuture,
				Exchange:   "CBOT",
				Expiry:     "202506",
				NativeID:   654503314,
			},
			Side:         types.SideSell,
			Quantity:     decimal.RequireFromString("2"),
			OrderKind:    types.OrderKindLimit,
			LimitPrice:   decimal.RequireFromString("42150.5"),
			TargetBroker: "TEST",
		},
		IdempotencyKey: "abc",
	}

	msg, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if got := msg.Fields[fieldQuantity].GetStringValue(); got != "2" {
		t.Errorf("quantity on the wire = %q, want string 2", got)
	}
	if got := msg.Fields[fieldPrice].GetStringValue(); got != "42150.5" {
		t.Errorf("price on the wire = %q, want string 42150.5", got)
	}

	got, err := DecodeRequest(msg)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	in := got.Instruction
	if in.StrategyName != "Test" || in.Contract != req.Instruction.Contract {
		t.Errorf("decoded = %+v, want %+v", in, req.Instruction)
	}
	if in.Side != types.SideSell || in.OrderKind != types.OrderKindLimit || in.TargetBroker != "TEST" {
		t.Errorf("decoded side/kind/broker = %v/%v/%s", in.Side, in.OrderKind, in.TargetBroker)
	}
	if !in.Quantity.Equal(decimal.NewFromInt(2)) || !in.LimitPrice.Equal(decimal.RequireFromString("42150.5")) {
		t.Errorf("decoded quantity/price = %s/%s", in.Quantity, in.LimitPrice)
	}
	if got.IdempotencyKey != "abc" {
		t.Errorf("IdempotencyKey = %q, want abc", got.IdempotencyKey)
	}
}

func TestDecodeRequest_MinimalMessage(t *testing.T) {
	// The shape a bare strategy client sends: no order type, price or broker.
	msg, _ := structpb.NewStruct(map[string]any{
		"strategy_name": "Test",
		"contract_id":   654503314,
		"exchange":      "CBOT",
		"symbol":        "MYM",
		"side":          "BUY",
		"quantity":      "1",
	})

	got, err := DecodeRequest(msg)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	in := got.Instruction
	if in.Contract.NativeID != 654503314 {
		t.Errorf("NativeID = %d, want 654503314 from a numeric field", in.Contract.NativeID)
	}
	if in.OrderKind != types.OrderKindLimit || in.Broker() != types.DefaultBroker {
		t.Errorf("defaults = %v/%s, want LIMIT/IB", in.OrderKind, in.Broker())
	}
	if !in.LimitPrice.IsZero() {
		t.Errorf("LimitPrice = %s, want 0", in.LimitPrice)
	}
}

func TestDecodeRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		wantErr error
	}{
		{"unknown side", map[string]any{"side": "SHORT"}, types.ErrInvalidArgument},
		{"bad quantity", map[string]any{"side": "BUY", "quantity": "ten"}, types.ErrInvalidArgument},
		{"bad price", map[string]any{"side": "BUY", "price": "1,5"}, types.ErrInvalidArgument},
		{"bad contract id", map[string]any{"side": "BUY", "contract_id": "-4"}, types.ErrInvalidArgument},
		{"bad order type", map[string]any{"side": "BUY", "order_type": "STOP"}, types.ErrInvalidArgument},
		{"bad contract type", map[string]any{"side": "BUY", "contract_type": "OPT"}, types.ErrUnsupportedContractType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := structpb.NewStruct(tt.fields)
			if err != nil {
				t.Fatalf("NewStruct() error = %v", err)
			}
			if _, err := DecodeRequest(msg); !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeRequest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := DecodeRequest(nil); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("DecodeRequest(nil) error = %v, want ErrInvalidArgument", err)
	}
}

func TestEncodeDecodeAck(t *testing.T) {
	got := DecodeAck(EncodeAck(Ack{Status: StatusSubmitted, OrderID: "TEST_1_1234"}))
	if got.Status != StatusSubmitted || got.OrderID != "TEST_1_1234" {
		t.Errorf("DecodeAck() = %+v", got)
	}
	if got := DecodeAck(EncodeAck(Ack{Status: StatusHold})); got.OrderID != "" {
		t.Errorf("hold ack OrderID = %q, want empty", got.OrderID)
	}
}
