// Package ingest accepts landmark streams from remote producers over
// WebSocket. Each connection gets its own landmark.Stream, which the
// consumer registered with OnStream turns into a detection session.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/protocol"
)

// ErrDuplicateID is reported to a producer whose ID is already connected.
var ErrDuplicateID = errors.New("ingest: producer id already connected")

// ErrNoConsumer is reported when no OnStream callback is registered.
var ErrNoConsumer = errors.New("ingest: no stream consumer")

// Producer represents a connected landmark producer.
type Producer struct {
	ID        string
	Conn      *websocket.Conn
	Stream    *landmark.Stream
	Connected time.Time

	mu       sync.Mutex
	lastSeen time.Time
	frames   atomic.Uint64
}

// Send sends a message to the producer.
func (p *Producer) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// Query returns a query parameter from the connection URL.
func (p *Producer) Query(key string, def ...string) string {
	return p.Conn.Query(key, def...)
}

func (p *Producer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeen returns when the producer last sent a message.
func (p *Producer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// StreamFunc consumes a producer's stream. It runs on its own goroutine
// and the connection stays open until it returns. ctx is cancelled when
// the hub shuts down.
type StreamFunc func(ctx context.Context, p *Producer)

// Config holds hub settings.
type Config struct {
	// Buffer is how many samples a producer may queue ahead of its session.
	Buffer int

	// Idle ends a stream when the producer goes quiet for this long.
	Idle time.Duration
}

// DefaultConfig returns a 64 sample buffer and a 5 second idle timeout.
func DefaultConfig() Config {
	return Config{Buffer: 64, Idle: 5 * time.Second}
}

// Hub manages WebSocket connections from landmark producers.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	producers map[string]*Producer
	onStream  StreamFunc

	ctx    context.Context
	cancel context.CancelFunc

	// Stats
	messagesReceived  atomic.Uint64
	messagesSent      atomic.Uint64
	landmarksReceived atomic.Uint64
	rejected          atomic.Uint64
}

// NewHub creates a new producer hub. A nil logger uses slog.Default().
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		logger:    logger.With("component", "ingest"),
		producers: make(map[string]*Producer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnStream sets the consumer for new producer streams.
func (h *Hub) OnStream(fn StreamFunc) {
	h.mu.Lock()
	h.onStream = fn
	h.mu.Unlock()
}

// Close cancels every running consumer.
func (h *Hub) Close() {
	h.cancel()
}

// RegisterRoutes registers the producer endpoint on a Fiber router.
func (h *Hub) RegisterRoutes(r fiber.Router) {
	r.Use("/ws/landmarks", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	r.Get("/ws/landmarks", websocket.New(h.handleProducer))
	r.Get("/ws/landmarks/:id", websocket.New(h.handleProducer))
}

// handleProducer handles one producer connection.
func (h *Hub) handleProducer(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	p := &Producer{
		ID:        id,
		Conn:      c,
		Stream:    landmark.NewStream(id, h.cfg.Buffer, h.cfg.Idle, h.logger),
		Connected: now,
		lastSeen:  now,
	}

	h.mu.Lock()
	_, dup := h.producers[id]
	consumer := h.onStream
	if !dup && consumer != nil {
		h.producers[id] = p
	}
	count := len(h.producers)
	h.mu.Unlock()

	switch {
	case dup:
		h.reject(p, ErrDuplicateID)
		return
	case consumer == nil:
		h.reject(p, ErrNoConsumer)
		return
	}

	h.logger.Info("producer connected", "producer", id, "producers", count)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer(h.ctx, p)
		// Consumer is done; unblock the read loop.
		p.Stream.Close()
		p.mu.Lock()
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete"))
		p.mu.Unlock()
		c.Close()
	}()

	h.readLoop(p)

	// A vanished producer ends its stream; buffered samples still count.
	p.Stream.End()
	wg.Wait()

	h.mu.Lock()
	delete(h.producers, id)
	count = len(h.producers)
	h.mu.Unlock()

	h.logger.Info("producer disconnected",
		"producer", id,
		"frames", p.frames.Load(),
		"producers", count,
	)
}

func (h *Hub) reject(p *Producer, err error) {
	h.rejected.Add(1)
	h.logger.Warn("producer rejected", "producer", p.ID, "error", err)
	if msg, merr := protocol.NewErrorMessage(err); merr == nil {
		p.Send(msg)
	}
}

func (h *Hub) readLoop(p *Producer) {
	for {
		_, data, err := p.Conn.ReadMessage()
		if err != nil {
			h.logger.Debug("producer read ended", "producer", p.ID, "error", err)
			return
		}
		p.touch()
		h.messagesReceived.Add(1)
		h.handleMessage(p, data)
	}
}

// handleMessage processes an incoming message from a producer. Bad
// messages are reported to the producer and otherwise ignored.
func (h *Hub) handleMessage(p *Producer, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.sendError(p, err)
		return
	}

	switch msg.Type {
	case protocol.TypeLandmarks:
		lm, err := msg.GetLandmarksData()
		if err != nil {
			h.sendError(p, err)
			return
		}
		sample, err := lm.Sample()
		if err != nil {
			h.sendError(p, err)
			return
		}
		h.landmarksReceived.Add(1)
		h.push(p, sample)

	case protocol.TypeNoFace, protocol.TypeFailed:
		fd, err := msg.GetFrameData()
		if err != nil {
			h.sendError(p, err)
			return
		}
		if msg.Type == protocol.TypeFailed {
			h.push(p, fd.FailedSample())
		} else {
			h.push(p, fd.NoFaceSample())
		}

	case protocol.TypeEnd:
		p.Stream.End()

	case protocol.TypePing:
		h.sendPong(p, msg)

	default:
		h.logger.Debug("ignoring message", "producer", p.ID, "type", msg.Type)
	}
}

// push blocks while the stream buffer is full, which in turn stops reading
// from the socket and pushes back on the producer.
func (h *Hub) push(p *Producer, s landmark.Sample) {
	if err := p.Stream.Push(h.ctx, s); err != nil {
		h.logger.Debug("sample not delivered", "producer", p.ID, "error", err)
		return
	}
	p.frames.Add(1)
}

func (h *Hub) sendError(p *Producer, err error) {
	msg, merr := protocol.NewErrorMessage(err)
	if merr != nil {
		return
	}
	h.send(p, msg)
}

func (h *Hub) sendPong(p *Producer, ping *protocol.Message) {
	var id string
	if pd, err := ping.GetPingData(); err == nil {
		id = pd.ID
	}
	msg, err := protocol.NewPongMessage(id, ping.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return
	}
	h.send(p, msg)
}

func (h *Hub) send(p *Producer, msg *protocol.Message) {
	h.messagesSent.Add(1)
	if err := p.Send(msg); err != nil {
		h.logger.Debug("send failed", "producer", p.ID, "error", err)
	}
}

// Count returns the number of connected producers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.producers)
}

// Stats contains hub statistics
type Stats struct {
	Producers         int    `json:"producers"`
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesSent      uint64 `json:"messages_sent"`
	LandmarksReceived uint64 `json:"landmarks_received"`
	Rejected          uint64 `json:"rejected"`
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	return Stats{
		Producers:         h.Count(),
		MessagesReceived:  h.messagesReceived.Load(),
		MessagesSent:      h.messagesSent.Load(),
		LandmarksReceived: h.landmarksReceived.Load(),
		Rejected:          h.rejected.Load(),
	}
}

// Info describes a connected producer.
type Info struct {
	ID        string         `json:"id"`
	Connected time.Time      `json:"connected"`
	LastSeen  time.Time      `json:"last_seen"`
	Frames    uint64         `json:"frames"`
	Stream    landmark.Stats `json:"stream"`
}

// Infos returns info about all connected producers.
func (h *Hub) Infos() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]Info, 0, len(h.producers))
	for _, p := range h.producers {
		infos = append(infos, Info{
			ID:        p.ID,
			Connected: p.Connected,
			LastSeen:  p.LastSeen(),
			Frames:    p.frames.Load(),
			Stream:    p.Stream.Stats(),
		})
	}
	return infos
}

// RegisterAPIRoutes registers producer listing routes.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	streams := api.Group("/streams")

	streams.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"streams": h.Infos(),
			"count":   h.Count(),
		})
	})

	streams.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.Stats())
	})
}
