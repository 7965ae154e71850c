// Package rpc exposes the booking engine over gRPC. Messages are
// google.protobuf.Struct values carrying the same field names as the REST API.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "slotbook.booking.v1.BookingService"

const (
	methodGetAvailableSlots = "/" + ServiceName + "/GetAvailableSlots"
	methodBookAppointment   = "/" + ServiceName + "/BookAppointment"
)

type BookingServiceServer interface {
	GetAvailableSlots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	BookAppointment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAvailableSlots", Handler: getAvailableSlotsHandler},
		{MethodName: "BookAppointment", Handler: bookAppointmentHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slotbook/booking/v1/booking.proto",
}

func getAvailableSlotsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BookingServiceServer).GetAvailableSlots(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetAvailableSlots}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BookingServiceServer).GetAvailableSlots(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func bookAppointmentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BookingServiceServer).BookAppointment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBookAppointment}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BookingServiceServer).BookAppointment(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
