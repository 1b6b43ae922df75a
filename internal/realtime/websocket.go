package realtime

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// maxFrameSize bounds a single gateway frame; message batches from history syncs are large.
const maxFrameSize = 4 << 20

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (s *wsStream) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func dialWebSocket(cfg *Config, instance string) dialFunc {
	target := cfg.websocketURL(instance)
	return func(ctx context.Context) (stream, error) {
		conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: cfg.HTTPClient})
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		conn.SetReadLimit(maxFrameSize)
		return &wsStream{conn: conn}, nil
	}
}

// NewWebSocketFactory builds WebSocket transports for the gateway's per-instance event socket.
func NewWebSocketFactory(cfg Config, logger *zap.Logger) Factory {
	cfg.defaults()
	return func(deviceID string, sink Sink) Transport {
		return newStreamTransport(KindWebSocket, dialWebSocket(&cfg, deviceID), cfg, sink, logger)
	}
}
