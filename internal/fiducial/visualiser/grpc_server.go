package visualiser

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName         = "fiducial.visualiser.v1.MarkerService"
	getSnapshotMethod   = "/" + serviceName + "/GetSnapshot"
	streamMarkersMethod = "/" + serviceName + "/StreamMarkers"
)

// MarkerServiceServer is the server API for the marker service. Requests
// and frames are google.protobuf.Struct values; a request may carry a
// "marker_ids" list to restrict the markers returned.
type MarkerServiceServer interface {
	GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamMarkers(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

var markerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MarkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMarkers", Handler: streamMarkersHandler, ServerStreams: true},
	},
	Metadata: "fiducial/visualiser/v1/markers.proto",
}

// RegisterMarkerService registers srv on s.
func RegisterMarkerService(s grpc.ServiceRegistrar, srv MarkerServiceServer) {
	s.RegisterService(&markerServiceDesc, srv)
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarkerServiceServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MarkerServiceServer).GetSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamMarkersHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MarkerServiceServer).StreamMarkers(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var _ MarkerServiceServer = (*Server)(nil)

// Server implements MarkerServiceServer on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a new gRPC service backed by publisher.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

func markerFilter(req *structpb.Struct) map[int]bool {
	vals := req.GetFields()["marker_ids"].GetListValue().GetValues()
	if len(vals) == 0 {
		return nil
	}
	ids := make(map[int]bool, len(vals))
	for _, v := range vals {
		ids[int(v.GetNumberValue())] = true
	}
	return ids
}

// GetSnapshot returns the latest published frame, or the live registry
// when nothing has been published yet.
func (s *Server) GetSnapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	frame := s.publisher.Latest()
	if frame == nil {
		frame = FrameFromSnapshot(0, 0, s.publisher.reg.Snapshot(), nil)
	}
	out, err := frame.filter(markerFilter(req)).ToStruct()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode frame: %v", err)
	}
	return out, nil
}

// StreamMarkers sends the latest frame and then every new one until the
// client goes away or the publisher stops.
func (s *Server) StreamMarkers(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	client, err := s.publisher.addClient()
	if errors.Is(err, ErrTooManyClients) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return err
	}
	defer s.publisher.removeClient(client.id)

	ids := markerFilter(req)
	send := func(f *MarkerFrame) error {
		out, err := f.filter(ids).ToStruct()
		if err != nil {
			return status.Errorf(codes.Internal, "encode frame: %v", err)
		}
		return stream.Send(out)
	}
	if f := s.publisher.Latest(); f != nil {
		if err := send(f); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return status.Error(codes.Unavailable, "publisher stopped")
		case f := <-client.frameCh:
			if err := send(f); err != nil {
				logf("Send error to %s: %v", client.id, err)
				return err
			}
		}
	}
}

// MarkerClient is a client for the marker service.
type MarkerClient struct {
	cc grpc.ClientConnInterface
}

// NewMarkerClient wraps a client connection.
func NewMarkerClient(cc grpc.ClientConnInterface) *MarkerClient {
	return &MarkerClient{cc: cc}
}

func request(ids []int) (*structpb.Struct, error) {
	if len(ids) == 0 {
		return &structpb.Struct{}, nil
	}
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return structpb.NewStruct(map[string]any{"marker_ids": list})
}

// GetSnapshot fetches the current frame, optionally restricted to ids.
func (c *MarkerClient) GetSnapshot(ctx context.Context, ids ...int) (*MarkerFrame, error) {
	req, err := request(ids)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSnapshotMethod, req, out); err != nil {
		return nil, err
	}
	return FrameFromStruct(out)
}

// MarkerStream receives frames from StreamMarkers.
type MarkerStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv blocks for the next frame.
func (s *MarkerStream) Recv() (*MarkerFrame, error) {
	out, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	return FrameFromStruct(out)
}

// StreamMarkers subscribes to frames, optionally restricted to ids.
// Cancel ctx to end the stream.
func (c *MarkerClient) StreamMarkers(ctx context.Context, ids ...int) (*MarkerStream, error) {
	req, err := request(ids)
	if err != nil {
		return nil, err
	}
	cs, err := c.cc.NewStream(ctx, &markerServiceDesc.Streams[0], streamMarkersMethod)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return &MarkerStream{stream: x}, nil
}
