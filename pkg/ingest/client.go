package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/protocol"
)

// ErrNoResult is returned by Push when the server closed the connection
// without sending a session result.
var ErrNoResult = errors.New("ingest: connection closed before a result arrived")

// RemoteError is an error message sent by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "ingest: server error: " + e.Message
}

// Client pushes landmark samples to a server's /ws/landmarks endpoint and
// collects the ticks and the final result of the remote session.
type Client struct {
	ws     *websocket.Conn
	wsMu   sync.Mutex
	logger *slog.Logger

	// OnTick is called for every tick the server reports.
	OnTick func(protocol.TickData)

	frames uint64
}

// Dial connects to server (http, https, ws or wss) as producer id. query
// carries session overrides such as mode or threshold; it may be nil.
func Dial(ctx context.Context, server, id string, query url.Values, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/landmarks"
	if id != "" {
		u.Path += "/" + url.PathEscape(id)
	}
	u.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Redacted(), err)
	}

	logger.Info("connected to landmark server", "url", u.Redacted())
	return &Client{ws: ws, logger: logger}, nil
}

// Push opens src, sends every sample until the source ends, and waits for
// the server's result. src is closed before Push returns.
//
// The server may finish the session before src runs out (its budget ran
// out, or it stops on fatigue); Push then stops sending and returns that
// result.
func (c *Client) Push(ctx context.Context, src landmark.Source) (*protocol.ResultData, error) {
	defer src.Close()
	if err := src.Open(ctx); err != nil {
		return nil, err
	}

	results := make(chan readOutcome, 1)
	go func() {
		results <- c.readLoop()
	}()

	sendErr := c.sendAll(ctx, src, results)

	var out readOutcome
	select {
	case out = <-results:
	case <-ctx.Done():
		c.ws.Close()
		<-results
		return nil, ctx.Err()
	}

	if out.result != nil {
		return out.result, nil
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return nil, out.err
}

type readOutcome struct {
	result *protocol.ResultData
	err    error
}

// sendAll streams samples until the source ends. It returns early, without
// error, if the read loop has already finished.
func (c *Client) sendAll(ctx context.Context, src landmark.Source, results chan readOutcome) error {
	for {
		select {
		case out := <-results:
			// Put it back for Push.
			results <- out
			return nil
		default:
		}

		s, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.sendEnd()
			return fmt.Errorf("read %s sample: %w", src.Name(), err)
		}

		c.frames++
		msg, err := protocol.NewSampleMessage(s, c.frames)
		if err != nil {
			return err
		}
		if err := c.send(msg); err != nil {
			// The read loop sees the same failure and reports it.
			c.logger.Debug("send failed", "error", err)
			return nil
		}
	}

	c.logger.Debug("source ended", "frames", c.frames)
	c.sendEnd()
	return nil
}

func (c *Client) sendEnd() {
	msg, err := protocol.NewEndMessage()
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.logger.Debug("send end failed", "error", err)
	}
}

func (c *Client) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop handles server messages until the connection closes.
func (c *Client) readLoop() readOutcome {
	var (
		result  *protocol.ResultData
		lastErr error
	)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if result != nil {
				return readOutcome{result: result}
			}
			if lastErr != nil {
				return readOutcome{err: lastErr}
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return readOutcome{err: ErrNoResult}
			}
			return readOutcome{err: fmt.Errorf("%w: %v", ErrNoResult, err)}
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("bad message from server", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeTick:
			tick, err := msg.GetTickData()
			if err != nil {
				c.logger.Warn("bad tick", "error", err)
				continue
			}
			if c.OnTick != nil {
				c.OnTick(*tick)
			}

		case protocol.TypeResult:
			res, err := msg.GetResultData()
			if err != nil {
				c.logger.Warn("bad result", "error", err)
				continue
			}
			result = res

		case protocol.TypeError:
			if ed, err := msg.GetErrorData(); err == nil {
				c.logger.Warn("server reported an error", "message", ed.Message)
				lastErr = &RemoteError{Message: ed.Message}
			}

		case protocol.TypePong:
			c.logger.Debug("pong")
		}
	}
}

// Frames returns how many samples were sent.
func (c *Client) Frames() uint64 {
	return c.frames
}

// Close closes the connection.
func (c *Client) Close() error {
	c.wsMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wsMu.Unlock()
	return c.ws.Close()
}
