// Package dispatch carries trade instructions from strategy processes to the
// gateway over gRPC.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tathienbao/exec-gateway/internal/types"
)

// Wire field names.
const (
	fieldStrategyName   = "strategy_name"
	fieldContractID     = "contract_id"
	fieldExchange       = "exchange"
	fieldSymbol         = "symbol"
	fieldContractType   = "contract_type"
	fieldCurrency       = "currency"
	fieldExpiry         = "expiry"
	fieldSide           = "side"
	fieldQuantity       = "quantity"
	fieldOrderType      = "order_type"
	fieldBroker         = "broker"
	fieldPrice          = "price"
	fieldIdempotencyKey = "idempotency_key"

	fieldStatus  = "status"
	fieldOrderID = "order_id"
)

// Acknowledgment statuses.
const (
	StatusSubmitted = "submitted"
	StatusHold      = "hold"
	StatusSkipped   = "skipped"
)

// Request is one SendTrade call.
type Request struct {
	Instruction    types.TradeInstruction
	IdempotencyKey string
}

// Ack is the gateway's reply.
type Ack struct {
	Status  string
	OrderID string
}

// EncodeRequest renders a request as a wire message. Quantity and price
// travel as decimal strings.
func EncodeRequest(r Request) (*structpb.Struct, error) {
	in := r.Instruction
	fields := map[string]any{
		fieldStrategyName: in.StrategyName,
		fieldContractID:   strconv.FormatInt(in.Contract.NativeID, 10),
		fieldExchange:     in.Contract.Exchange,
		fieldSymbol:       in.Contract.Symbol,
		fieldSide:         in.Side.String(),
		fieldQuantity:     in.Quantity.String(),
		fieldOrderType:    in.OrderKind.String(),
		fieldBroker:       in.Broker(),
		fieldPrice:        in.LimitPrice.String(),
	}
	if in.Contract.AssetClass != types.AssetUnset {
		fields[fieldContractType] = in.Contract.AssetClass.String()
	}
	if in.Contract.Currency != "" {
		fields[fieldCurrency] = in.Contract.Currency
	}
	if in.Contract.Expiry != "" {
		fields[fieldExpiry] = in.Contract.Expiry
	}
	if r.IdempotencyKey != "" {
		fields[fieldIdempotencyKey] = r.IdempotencyKey
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode trade: %w", err)
	}
	return msg, nil
}

// DecodeRequest parses a wire message. Missing quantity and price decode as
// zero; Validate on the instruction decides whether that is acceptable.
func DecodeRequest(msg *structpb.Struct) (Request, error) {
	if msg == nil {
		return Request{}, fmt.Errorf("%w: empty trade message", types.ErrInvalidArgument)
	}
	f := msg.GetFields()

	side, err := types.ParseSide(str(f, fieldSide))
	if err != nil {
		return Request{}, err
	}
	kind, err := types.ParseOrderKind(str(f, fieldOrderType))
	if err != nil {
		return Request{}, err
	}
	qty, err := decimalField(f, fieldQuantity)
	if err != nil {
		return Request{}, err
	}
	price, err := decimalField(f, fieldPrice)
	if err != nil {
		return Request{}, err
	}
	contractID, err := intField(f, fieldContractID)
	if err != nil {
		return Request{}, err
	}

	var asset types.AssetClass
	if raw := str(f, fieldContractType); raw != "" {
		asset, err = types.ParseAssetClass(raw)
		if err != nil {
			return Request{}, err
		}
	}

	return Request{
		Instruction: types.TradeInstruction{
			StrategyName: str(f, fieldStrategyName),
			Contract: types.Contract{
				Symbol:     str(f, fieldSymbol),
				AssetClass: asset,
				Exchange:   str(f, fieldExchange),
				Currency:   str(f, fieldCurrency),
				Expiry:     str(f, fieldExpiry),
				NativeID:   contractID,
			},
			Side:         side,
			Quantity:     qty,
			OrderKind:    kind,
			LimitPrice:   price,
			TargetBroker: str(f, fieldBroker),
		},
		IdempotencyKey: str(f, fieldIdempotencyKey),
	}, nil
}

// EncodeAck renders an acknowledgment.
func EncodeAck(a Ack) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldStatus: structpb.NewStringValue(a.Status),
	}
	if a.OrderID != "" {
		fields[fieldOrderID] = structpb.NewStringValue(a.OrderID)
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeAck parses an acknowledgment.
func DecodeAck(msg *structpb.Struct) Ack {
	f := msg.GetFields()
	return Ack{Status: str(f, fieldStatus), OrderID: str(f, fieldOrderID)}
}

func str(f map[string]*structpb.Value, name string) string {
	v, ok := f[name]
	if !ok {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strings.TrimSpace(k.StringValue)
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	default:
		return ""
	}
}

func decimalField(f map[string]*structpb.Value, name string) (decimal.Decimal, error) {
	raw := str(f, name)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", types.ErrInvalidArgument, name, raw)
	}
	return d, nil
}

func intField(f map[string]*structpb.Value, name string) (int64, error) {
	raw := str(f, name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s %q is not a valid id", types.ErrInvalidArgument, name, raw)
	}
	return n, nil
}
