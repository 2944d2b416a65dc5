package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"circlelink/internal/event"
	logx "circlelink/pkg/logx"
)

// WSConfig configures the websocket dialer.
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	// IdleTimeout closes a session that receives nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	ReadLimit   int64
	UserAgent   string
}

// WSDialer dials the event stream over a websocket and performs the bearer
// auth handshake: the server answers with an auth:ok (or connected) frame,
// or auth_error.
type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	log    logx.Logger
}

func NewWSDialer(cfg WSConfig, log logx.Logger) (*WSDialer, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported url scheme %q", ErrSetup, u.Scheme)
	}
	cfg.URL = u.String()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 20 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WSDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log,
	}, nil
}

func (d *WSDialer) Dial(ctx context.Context, credential string) (Session, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+credential)
	if d.cfg.UserAgent != "" {
		h.Set("User-Agent", d.cfg.UserAgent)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, h)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(d.cfg.ReadLimit)

	s := &wsSession{id: uuid.NewString(), conn: conn, idle: d.cfg.IdleTimeout}
	if err := s.awaitAck(ctx, d.cfg.HandshakeTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	d.log.Debug("websocket session opened", logx.String("session", s.id))
	return s, nil
}

type wsSession struct {
	id   string
	conn *websocket.Conn
	idle time.Duration

	// frames that arrived before the auth ack; only touched by the reader.
	pending [][]byte

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) awaitAck(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await auth ack: %w", err)
		}
		f, err := event.ParseFrame(b)
		if err != nil {
			continue
		}
		switch f.Type {
		case event.FrameAuthOK, event.FrameConnected:
			return s.conn.SetReadDeadline(time.Time{})
		case event.FrameAuthError:
			msg := f.Data.Get("message").String()
			if msg == "" {
				msg = f.Data.String()
			}
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg)
		default:
			s.pending = append(s.pending, b)
		}
	}
}

func (s *wsSession) Read() ([]byte, error) {
	if len(s.pending) > 0 {
		b := s.pending[0]
		s.pending = s.pending[1:]
		return b, nil
	}
	if s.idle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
	}
	for {
		typ, b, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (s *wsSession) Write(ctx context.Context, frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// WriteControl is safe to call concurrently with WriteMessage.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
