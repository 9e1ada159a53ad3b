package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// BookingHandler is the server side of classbook.v1.BookingService. Every
// method takes and returns a google.protobuf.Struct.
type BookingHandler interface {
	CreateClass(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateOccurrence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateOccurrence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelOccurrence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListOccurrences(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reserve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Rebook(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	MarkAttendance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AnnotateReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListReservations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var _ BookingHandler = (*BookingServer)(nil)

type structMethod func(h BookingHandler, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, m structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(BookingHandler)
			if interceptor == nil {
				return m(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return m(h, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var bookingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateClass", BookingHandler.CreateClass),
		unaryMethod("CreateOccurrence", BookingHandler.CreateOccurrence),
		unaryMethod("UpdateOccurrence", BookingHandler.UpdateOccurrence),
		unaryMethod("CancelOccurrence", BookingHandler.CancelOccurrence),
		unaryMethod("CancelSeries", BookingHandler.CancelSeries),
		unaryMethod("ListOccurrences", BookingHandler.ListOccurrences),
		unaryMethod("Reserve", BookingHandler.Reserve),
		unaryMethod("Rebook", BookingHandler.Rebook),
		unaryMethod("CancelReservation", BookingHandler.CancelReservation),
		unaryMethod("MarkAttendance", BookingHandler.MarkAttendance),
		unaryMethod("AnnotateReservation", BookingHandler.AnnotateReservation),
		unaryMethod("ListReservations", BookingHandler.ListReservations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "classbook/v1/booking.proto",
}

func RegisterBookingServer(s grpc.ServiceRegistrar, h BookingHandler) {
	s.RegisterService(&bookingServiceDesc, h)
}

// FullMethod returns the invocation path of a BookingService method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
