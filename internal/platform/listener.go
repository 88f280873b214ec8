package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/chatferry/chatferry/internal/ferry"
)

const fileEventType = "message.file"

// EventHandler consumes decoded file events. Handlers see events at least
// once; redeliveries are expected and the handler's dedup layer absorbs them.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev ferry.InboundFileEvent) error
}

type ListenerOptions struct {
	URL          string
	Token        string
	Handler      EventHandler
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Listener keeps a websocket subscription to the platform's event stream
// alive, reconnecting with backoff when the connection drops. Frames that
// fail validation or handling are logged and skipped; the stream continues.
type Listener struct {
	url          string
	token        string
	handler      EventHandler
	dialTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func NewListener(opts ListenerOptions) (*Listener, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("event stream url is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("event handler is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	return &Listener{
		url:          opts.URL,
		token:        strings.TrimSpace(opts.Token),
		handler:      opts.Handler,
		dialTimeout:  opts.DialTimeout,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
	}, nil
}

// Run blocks until the context is canceled.
func (l *Listener) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := l.dial(ctx)
		if err != nil {
			failures++
			delay := l.reconnectDelay(failures)
			log.Printf("event stream dial failed (attempt %d): %v; retrying in %s", failures, err, delay)
			if err := waitWithContext(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0
		log.Printf("event stream connected to %s", l.url)
		err = l.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		delay := l.reconnectDelay(failures)
		log.Printf("event stream dropped: %v; reconnecting in %s", err, delay)
		if err := waitWithContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	defer cancel()

	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, _, err := websocket.Dial(dialCtx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	// Large media notifications carry sizeable metadata payloads.
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		frame, err := decodeInboundFrame(data)
		if err != nil {
			log.Printf("dropping frame: %v", err)
			continue
		}
		if frame.Type != fileEventType {
			continue
		}
		ev := ferry.InboundFileEvent{
			EventID:    frame.EventID,
			ChatID:     frame.ChatID,
			MessageID:  frame.MessageID,
			ResourceID: frame.File.ResourceID,
			FileName:   frame.File.Name,
			Kind:       ferry.ResourceKind(frame.File.Kind),
		}
		if err := l.handler.HandleEvent(ctx, ev); err != nil {
			log.Printf("event %s not ingested: %v", ev.EventID, err)
		}
	}
}

func (l *Listener) reconnectDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := time.Duration(float64(l.reconnectMin) * math.Pow(2, float64(failures-1)))
	if d > l.reconnectMax {
		return l.reconnectMax
	}
	return d
}
