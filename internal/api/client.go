package api

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/wppsync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a daemon over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the daemon listening on socketPath. The connection is made lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var out Status
	err := c.call(ctx, "GetStatus", &emptypb.Empty{}, &out)
	return out, err
}

func (c *Client) ListChats(ctx context.Context) ([]store.Chat, error) {
	var out ChatList
	err := c.call(ctx, "ListChats", &emptypb.Empty{}, &out)
	return out.Chats, err
}

func (c *Client) RefreshChats(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("RefreshChats"), &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) ListMessages(ctx context.Context, chatID string) (MessageList, error) {
	var out MessageList
	err := c.call(ctx, "ListMessages", wrapperspb.String(chatID), &out)
	return out, err
}

func (c *Client) OpenChat(ctx context.Context, chatID string) ([]store.Message, error) {
	var out MessageList
	err := c.call(ctx, "OpenChat", wrapperspb.String(chatID), &out)
	return out.Messages, err
}

func (c *Client) CloseChat(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("CloseChat"), &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) SendText(ctx context.Context, chatID, text string) (store.Message, error) {
	in, err := encode(SendTextRequest{ChatID: chatID, Text: text})
	if err != nil {
		return store.Message{}, err
	}
	var out store.Message
	err = c.call(ctx, "SendText", in, &out)
	return out, err
}

func (c *Client) ListDevices(ctx context.Context) (DeviceList, error) {
	var out DeviceList
	err := c.call(ctx, "ListDevices", &emptypb.Empty{}, &out)
	return out, err
}

func (c *Client) CreateDevice(ctx context.Context, id string) (store.Device, error) {
	return c.device(ctx, "CreateDevice", id)
}

func (c *Client) ConnectDevice(ctx context.Context, id string) (store.Device, error) {
	return c.device(ctx, "ConnectDevice", id)
}

func (c *Client) DisconnectDevice(ctx context.Context, id string) (store.Device, error) {
	return c.device(ctx, "DisconnectDevice", id)
}

func (c *Client) SelectDevice(ctx context.Context, id string) (store.Device, error) {
	return c.device(ctx, "SelectDevice", id)
}

func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	return c.conn.Invoke(ctx, fullMethod("DeleteDevice"), wrapperspb.String(id), &emptypb.Empty{})
}

// WatchEvents calls fn for every event whose kind starts with prefix until ctx ends, the
// stream breaks, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(WatchEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var evt WatchEvent
		if err := decode(msg, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) device(ctx context.Context, method, id string) (store.Device, error) {
	var out store.Device
	err := c.call(ctx, method, wrapperspb.String(id), &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method string, in proto.Message, out any) error {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod(method), in, resp); err != nil {
		return err
	}
	return decode(resp, out)
}
