package lattice

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The model service is exposed over gRPC with google.protobuf.Struct
// messages:
//
//	GetRMats      {from: string, names: [string]} -> {rmats: [[36 numbers]]}
//	GetZPositions {names: [string]}               -> {z: [number]}
const (
	serviceName       = "steering.lattice.v1.Model"
	methodRMats       = "/" + serviceName + "/GetRMats"
	methodZPositions  = "/" + serviceName + "/GetZPositions"
	rmatFlatLen       = 36
	defaultMaxMsgSize = 16 * 1024 * 1024
)

// GRPCClient is a Gateway backed by a remote model service.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Dial connects to the model service at target.
func Dial(target string, opts ...grpc.DialOption) (*GRPCClient, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(defaultMaxMsgSize)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial model service %s: %w", target, err)
	}
	return NewGRPCClient(conn), conn, nil
}

func (c *GRPCClient) RMats(ctx context.Context, from string, names []string) ([]Matrix6, error) {
	req, err := structpb.NewStruct(map[string]any{"from": from, "names": stringsToAny(names)})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodRMats, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	list := resp.GetFields()["rmats"].GetListValue().GetValues()
	if len(list) != len(names) {
		return nil, fmt.Errorf("model returned %d matrices for %d names", len(list), len(names))
	}
	out := make([]Matrix6, len(list))
	for i, v := range list {
		m, err := decodeMatrix(v.GetListValue())
		if err != nil {
			return nil, fmt.Errorf("matrix for %s: %w", names[i], err)
		}
		out[i] = m
	}
	return out, nil
}

func (c *GRPCClient) ZPositions(ctx context.Context, names []string) ([]float64, error) {
	req, err := structpb.NewStruct(map[string]any{"names": stringsToAny(names)})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodZPositions, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	list := resp.GetFields()["z"].GetListValue().GetValues()
	if len(list) != len(names) {
		return nil, fmt.Errorf("model returned %d positions for %d names", len(list), len(names))
	}
	out := make([]float64, len(list))
	for i, v := range list {
		out[i] = v.GetNumberValue()
	}
	return out, nil
}

func fromStatus(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownElement, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("model rejected request: %s", st.Message())
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnknownElement):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func encodeMatrix(m Matrix6) *structpb.Value {
	vals := make([]*structpb.Value, 0, rmatFlatLen)
	for i := range m {
		for j := range m[i] {
			vals = append(vals, structpb.NewNumberValue(m[i][j]))
		}
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func decodeMatrix(l *structpb.ListValue) (Matrix6, error) {
	var m Matrix6
	vals := l.GetValues()
	if len(vals) != rmatFlatLen {
		return m, fmt.Errorf("want %d entries, got %d", rmatFlatLen, len(vals))
	}
	for k, v := range vals {
		m[k/6][k%6] = v.GetNumberValue()
	}
	return m, nil
}

func namesFrom(req *structpb.Struct) ([]string, error) {
	field, ok := req.GetFields()["names"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "names is required")
	}
	vals := field.GetListValue().GetValues()
	out := make([]string, len(vals))
	for i, v := range vals {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "names[%d] is not a string", i)
		}
		out[i] = s.StringValue
	}
	return out, nil
}

// Server exposes any Gateway as the model service.
type Server struct {
	gw Gateway
}

func NewServer(gw Gateway) *Server { return &Server{gw: gw} }

type modelService interface {
	getRMats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	getZPositions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var _ modelService = (*Server)(nil)

func (s *Server) getRMats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	names, err := namesFrom(req)
	if err != nil {
		return nil, err
	}
	from := req.GetFields()["from"].GetStringValue()
	mats, err := s.gw.RMats(ctx, from, names)
	if err != nil {
		return nil, toStatus(err)
	}
	vals := make([]*structpb.Value, len(mats))
	for i, m := range mats {
		vals[i] = encodeMatrix(m)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"rmats": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}, nil
}

func (s *Server) getZPositions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	names, err := namesFrom(req)
	if err != nil {
		return nil, err
	}
	zs, err := s.gw.ZPositions(ctx, names)
	if err != nil {
		return nil, toStatus(err)
	}
	vals := make([]*structpb.Value, len(zs))
	for i, z := range zs {
		vals[i] = structpb.NewNumberValue(z)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"z": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}, nil
}

func unaryHandler(call func(modelService, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(structpb.Struct)
		if err := dec(req); err != nil {
			return nil, err
		}
		svc := srv.(modelService)
		if interceptor == nil {
			return call(svc, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*structpb.Struct))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*modelService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRMats", Handler: unaryHandler(modelService.getRMats, methodRMats)},
		{MethodName: "GetZPositions", Handler: unaryHandler(modelService.getZPositions, methodZPositions)},
	},
	Metadata: "steering/lattice/v1/model",
}

// RegisterService registers s on grpcServer.
func RegisterService(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}
