package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "provenance.v1.Provenance"

// FullMethod returns the gRPC path of a method of the service.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Public methods need no bearer token.
var PublicMethods = []string{FullMethod("Register"), FullMethod("Login")}

type unaryFn func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFn) grpc.MethodDesc {
	full := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if ic == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// provenanceServer is the handler type checked by grpc.RegisterService.
type provenanceServer interface {
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*provenanceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", (*Server).Register),
		unary("Login", (*Server).Login),

		unary("RegisterProduct", (*Server).RegisterProduct),
		unary("GetProduct", (*Server).GetProduct),
		unary("VerifyAuthenticity", (*Server).VerifyAuthenticity),
		unary("SetDeliveryInfo", (*Server).SetDeliveryInfo),
		unary("RecallProduct", (*Server).RecallProduct),

		unary("AppendCheckpoint", (*Server).AppendCheckpoint),
		unary("GetCheckpoint", (*Server).GetCheckpoint),
		unary("ListCheckpoints", (*Server).ListCheckpoints),

		unary("AuthorizeVerifier", (*Server).AuthorizeVerifier),
		unary("RevokeVerifier", (*Server).RevokeVerifier),
		unary("IsAuthorized", (*Server).IsAuthorized),
		unary("GetAuthorization", (*Server).GetAuthorization),

		unary("InitiateTransfer", (*Server).InitiateTransfer),
		unary("AcceptTransfer", (*Server).AcceptTransfer),
		unary("RejectTransfer", (*Server).RejectTransfer),
		unary("CancelTransfer", (*Server).CancelTransfer),
		unary("GetTransfer", (*Server).GetTransfer),

		unary("AddCertification", (*Server).AddCertification),
		unary("RevokeCertification", (*Server).RevokeCertification),
		unary("GetCertification", (*Server).GetCertification),
		unary("IsCertificationValid", (*Server).IsCertificationValid),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(*Server).WatchEvents(in, stream)
		},
	}},
	Metadata: "provenance/v1/provenance.proto",
}

// RegisterProvenanceServer attaches s to a gRPC server.
func RegisterProvenanceServer(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&serviceDesc, s)
}

// Client calls the service over a connection.
type Client struct{ cc grpc.ClientConnInterface }

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Call invokes a unary method by name.
func (c *Client) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives events from WatchEvents.
type EventStream struct{ cs grpc.ClientStream }

// Recv blocks for the next event.
func (s *EventStream) Recv() (*structpb.Struct, error) {
	ev := new(structpb.Struct)
	if err := s.cs.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Watch opens a WatchEvents stream.
func (c *Client) Watch(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*EventStream, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	cs, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], FullMethod("WatchEvents"), opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{cs: cs}, nil
}
