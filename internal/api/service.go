package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/realtime"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Engine is the sync engine as the control plane drives it.
type Engine interface {
	OpenChat(ctx context.Context, chatID string) ([]store.Message, error)
	CloseChat()
	RefreshChats(ctx context.Context) error
	Session() realtime.Session
}

type Chats interface {
	Chats() []store.Chat
	Opened() string
}

type Timelines interface {
	Messages(chatID string) ([]store.Message, bool)
	Send(ctx context.Context, chatID, text string) (store.Message, error)
}

type Devices interface {
	List() []store.Device
	Current() (store.Device, bool)
	SetCurrent(id string) error
	Create(ctx context.Context, id string) (store.Device, error)
	Connect(ctx context.Context, id string) (store.Device, error)
	Disconnect(ctx context.Context, id string) (store.Device, error)
	Delete(ctx context.Context, id string) error
}

// Service implements InboxServer.
type Service struct {
	profile   string
	startedAt time.Time
	engine    Engine
	chats     Chats
	timelines Timelines
	devices   Devices
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewService creates the control plane service for one profile.
func NewService(profile string, engine Engine, chats Chats, timelines Timelines, devices Devices, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		chats:     chats,
		timelines: timelines,
		devices:   devices,
		bus:       b,
		logger:    logger,
	}
}

func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := Status{
		Profile:  s.profile,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Session:  sessionView(s.engine.Session()),
		OpenChat: s.chats.Opened(),
		Chats:    len(s.chats.Chats()),
	}
	if d, ok := s.devices.Current(); ok {
		st.Device = &d
	}
	return encode(st)
}

func (s *Service) ListChats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encode(ChatList{Chats: s.chats.Chats()})
}

func (s *Service) RefreshChats(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.RefreshChats(ctx); err != nil {
		return nil, toStatus(err, "refresh chats")
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ListMessages(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat id is required")
	}
	msgs, ok := s.timelines.Messages(req.GetValue())
	return encode(MessageList{ChatID: req.GetValue(), Messages: msgs, Materialized: ok})
}

func (s *Service) OpenChat(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat id is required")
	}
	msgs, err := s.engine.OpenChat(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err, "open chat")
	}
	return encode(MessageList{ChatID: req.GetValue(), Messages: msgs, Materialized: true})
}

func (s *Service) CloseChat(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.engine.CloseChat()
	return &emptypb.Empty{}, nil
}

func (s *Service) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SendTextRequest
	if err := decode(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if in.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat id is required")
	}
	msg, err := s.timelines.Send(ctx, in.ChatID, in.Text)
	if err != nil {
		return nil, toStatus(err, "send text")
	}
	return encode(msg)
}

func (s *Service) ListDevices(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list := DeviceList{Devices: s.devices.List()}
	if d, ok := s.devices.Current(); ok {
		list.Current = d.ID
	}
	return encode(list)
}

func (s *Service) CreateDevice(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.devices.Create(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err, "create device")
	}
	return encode(d)
}

func (s *Service) ConnectDevice(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.devices.Connect(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err, "connect device")
	}
	return encode(d)
}

func (s *Service) DisconnectDevice(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := s.devices.Disconnect(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err, "disconnect device")
	}
	return encode(d)
}

func (s *Service) DeleteDevice(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.devices.Delete(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err, "delete device")
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SelectDevice(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.devices.SetCurrent(req.GetValue()); err != nil {
		return nil, toStatus(err, "select device")
	}
	d, _ := s.devices.Current()
	return encode(d)
}

// WatchEvents streams bus events whose kind starts with the requested prefix (all when empty).
func (s *Service) WatchEvents(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(req.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := encode(WatchEvent{
				ID:         uuid.NewString(),
				Profile:    s.profile,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
