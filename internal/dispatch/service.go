package dispatch

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName     = "trade.TradeService"
	sendTradeMethod = "/trade.TradeService/SendTrade"
)

// TradeServiceServer is the server side of the trade service.
type TradeServiceServer interface {
	SendTrade(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func sendTradeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TradeServiceServer).SendTrade(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sendTradeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TradeServiceServer).SendTrade(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TradeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendTrade",
			Handler:    sendTradeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trade.proto",
}

// RegisterTradeServiceServer registers srv on s.
func RegisterTradeServiceServer(s grpc.ServiceRegistrar, srv TradeServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}
