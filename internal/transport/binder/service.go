package binder

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "meshrouter.binder.v1.Binder"
	transmitMethod = "/" + serviceName + "/Transmit"
)

// binderServer is the server side of the Binder service:
//
//	service Binder {
//	  rpc Transmit(google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	}
type binderServer interface {
	Transmit(ctx context.Context, frame *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func transmitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(binderServer).Transmit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(binderServer).Transmit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*binderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Transmit", Handler: transmitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshrouter/binder/v1/binder.proto",
}
