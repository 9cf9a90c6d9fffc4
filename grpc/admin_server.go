package grpc

import (
	"context"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"roomrelay"
)

type adminServer struct {
	registry    *roomrelay.Registry
	queue       *roomrelay.Queue
	broadcaster *roomrelay.Broadcaster
}

// NewAdminServer exposes the registry and broadcaster counters. q may be nil
// when the relay dispatches synchronously.
func NewAdminServer(r *roomrelay.Registry, q *roomrelay.Queue, b *roomrelay.Broadcaster) AdminServer {
	return &adminServer{registry: r, queue: q, broadcaster: b}
}

func (s *adminServer) ListRooms(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	rooms := map[string]interface{}{}
	total := 0
	for room, n := range s.registry.RoomCounts() {
		rooms[strconv.Itoa(room.Int())] = n
		total += n
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"rooms": rooms,
		"total": total,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *adminServer) Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	queued := 0
	if s.queue != nil {
		queued = s.queue.Len()
	}
	st := s.broadcaster.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"connections": s.registry.Len(),
		"queued":      queued,
		"delivered":   st.Delivered,
		"failed":      st.Failed,
		"forwarded":   st.Forwarded,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *adminServer) Kick(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	p, _, ok := s.registry.Lookup(roomrelay.ConnID(id))
	if ok {
		// the connection handler sees the closed transport and unregisters
		_ = p.Close()
	}
	return structpb.NewStruct(map[string]interface{}{"removed": ok})
}
