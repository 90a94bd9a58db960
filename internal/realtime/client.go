package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler receives one decoded push event.
type Handler func(channel string, payload json.RawMessage)

// pushEnvelope is the wire shape of one feed message.
type pushEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client maintains the websocket connection to the push feed. It owns the
// redial policy; subscriptions are implicit in the feed, so a reconnect
// resumes delivery without any re-subscription step.
type Client struct {
	url          string
	redialDelay  time.Duration
	pingInterval time.Duration
	readLimit    int64
	handler      Handler
	logger       zerolog.Logger
}

// NewClient creates a push feed client. handler is invoked for every
// message, in delivery order, from the read goroutine.
func NewClient(url string, redialDelay, pingInterval time.Duration, readLimit int64, handler Handler, logger zerolog.Logger) *Client {
	return &Client{
		url:          url,
		redialDelay:  redialDelay,
		pingInterval: pingInterval,
		readLimit:    readLimit,
		handler:      handler,
		logger:       logger.With().Str("component", "pushfeed").Logger(),
	}
}

// Run connects to the feed and redials on loss until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("push feed connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.redialDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.logger.Info().Str("url", c.url).Msg("push feed connected")

	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	readWait := c.pingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var env pushEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("malformed push message")
			continue
		}
		if env.Event == "" {
			continue
		}
		c.handler(env.Event, env.Data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
