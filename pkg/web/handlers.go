package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-fatigue/internal/config"
	"github.com/teslashibe/go-fatigue/pkg/alert"
	"github.com/teslashibe/go-fatigue/pkg/batch"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/ingest"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/protocol"
)

// maxItems bounds one detect request.
const maxItems = 64

// DetectRequest is the body of POST /api/detect.
type DetectRequest struct {
	Items []DetectItem `json:"items" validate:"required,min=1,max=64,dive"`

	// ContinueOnFail overrides the server default when set.
	ContinueOnFail *bool `json:"continueOnFail"`

	// Concurrency overrides the server default when positive.
	Concurrency int `json:"concurrency" validate:"gte=0,lte=64"`
}

// DetectItem is one session to run.
type DetectItem struct {
	ID string `json:"id" validate:"max=128"`

	// Detection overrides the server's detection settings. Fields absent
	// from the request body keep the server defaults.
	Detection *config.Detection `json:"detection" validate:"-"`

	Source SourceSpec `json:"source"`

	// rawDetection is the override as sent, so it can be applied over the
	// server defaults field by field.
	rawDetection json.RawMessage
}

// UnmarshalJSON keeps the raw detection override alongside the decoded item.
func (it *DetectItem) UnmarshalJSON(data []byte) error {
	type plain DetectItem
	var aux struct {
		plain
		Detection json.RawMessage `json:"detection"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*it = DetectItem(aux.plain)
	if len(aux.Detection) > 0 && string(aux.Detection) != "null" {
		it.rawDetection = aux.Detection
		it.Detection = new(config.Detection)
		if err := json.Unmarshal(aux.Detection, it.Detection); err != nil {
			return fmt.Errorf("detection: %w", err)
		}
	}
	return nil
}

// SourceSpec picks the landmark source for an item. Stream sources are
// served on /ws/landmarks instead.
type SourceSpec struct {
	// Backend defaults to replay when Frames is set, otherwise to the
	// server's configured backend.
	Backend string `json:"backend" validate:"omitempty,oneof=camera replay simulated"`

	// Frames is an inline recording for the replay backend.
	Frames []landmark.Frame `json:"frames" validate:"max=100000"`

	Limit    int                `json:"limit" validate:"gte=0,lte=100000"`
	Seed     int64              `json:"seed"`
	Episodes []landmark.Episode `json:"episodes"`
}

// handleHealth reports liveness and counters
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"producers": s.producers.Count(),
		"viewers":   s.telemetry.ClientCount(),
		"telemetry": s.telemetry.Stats(),
		"sessions":  s.sessions.Load(),
		"fatigued":  s.fatigued.Load(),
		"failures":  s.failures.Load(),
	})
}

// handleConfig returns the server's detection defaults
func (s *Server) handleConfig(c *fiber.Ctx) error {
	return c.JSON(s.cfg.Detection)
}

// handleDetect runs one session per item and returns the emitted records.
func (s *Server) handleDetect(c *fiber.Ctx) error {
	var req DetectRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	items, specs, err := s.buildItems(req.Items)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	bcfg := batch.Config{
		ContinueOnFail: s.cfg.Server.ContinueOnFail,
		Concurrency:    s.cfg.Server.Concurrency,
	}
	if req.ContinueOnFail != nil {
		bcfg.ContinueOnFail = *req.ContinueOnFail
	}
	if req.Concurrency > 0 {
		bcfg.Concurrency = req.Concurrency
	}

	runner := batch.NewRunner(bcfg, s.itemFactory(specs), s.batchOptions()...)
	results, err := runner.Run(c.UserContext(), items)
	if err != nil {
		s.failures.Add(1)
		var ierr *batch.ItemError
		switch {
		case errors.As(err, &ierr):
			status := fiber.StatusUnprocessableEntity
			if errors.Is(err, fatigue.ErrConfigurationOutOfRange) {
				status = fiber.StatusBadRequest
			}
			return c.Status(status).JSON(fiber.Map{
				"error": err.Error(),
				"index": ierr.Index,
				"id":    ierr.ID,
			})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		default:
			return err
		}
	}

	for _, r := range results {
		if r.Outcome != nil {
			s.record(*r.Outcome, nil)
		} else {
			s.failures.Add(1)
		}
	}

	records := batch.Records(results)
	return c.JSON(fiber.Map{
		"items":   len(items),
		"count":   len(records),
		"records": records,
	})
}

// buildItems converts request items into batch items. The source specs
// are returned keyed by item ID for the factory.
func (s *Server) buildItems(reqItems []DetectItem) ([]batch.Item, map[string]SourceSpec, error) {
	if len(reqItems) > maxItems {
		return nil, nil, fmt.Errorf("at most %d items per request", maxItems)
	}

	items := make([]batch.Item, 0, len(reqItems))
	specs := make(map[string]SourceSpec, len(reqItems))

	for i, ri := range reqItems {
		id := ri.ID
		if id == "" {
			id = "item-" + strconv.Itoa(i)
		}
		if _, dup := specs[id]; dup {
			return nil, nil, fmt.Errorf("duplicate item id %q", id)
		}

		det, detErr := s.itemDetection(ri)

		cfg := s.cfg
		cfg.Detection = det
		src := cfg.Landmark()
		src.Limit = ri.Source.Limit
		if ri.Source.Seed != 0 {
			src.Seed = ri.Source.Seed
		}
		switch {
		case ri.Source.Backend != "":
			src.Backend = landmark.Backend(ri.Source.Backend)
		case len(ri.Source.Frames) > 0:
			src.Backend = landmark.BackendReplay
		}

		switch src.Backend {
		case landmark.BackendStream:
			return nil, nil, fmt.Errorf("item %q: stream sources are served on /ws/landmarks", id)
		case landmark.BackendReplay:
			if len(ri.Source.Frames) == 0 && src.RecordingPath == "" {
				return nil, nil, fmt.Errorf("item %q: replay needs frames", id)
			}
		case landmark.BackendSimulated, landmark.BackendCamera:
			// Over HTTP every session must end on its own.
			if det.MonitorDuration == 0 && src.Limit == 0 {
				return nil, nil, fmt.Errorf("item %q: %s source needs a limit or a monitor_duration", id, src.Backend)
			}
		}

		specs[id] = ri.Source
		items = append(items, batch.Item{
			ID:      id,
			Session: det.Session(),
			Policy:  det.Policy(),
			Source:  src,
			Err:     detErr,
		})
	}
	return items, specs, nil
}

// itemDetection applies an item's override over the server defaults and
// validates the result. A rejected override fails only its own item.
func (s *Server) itemDetection(ri DetectItem) (config.Detection, error) {
	det := s.cfg.Detection
	switch {
	case len(ri.rawDetection) > 0:
		if err := json.Unmarshal(ri.rawDetection, &det); err != nil {
			return det, fmt.Errorf("detection: %w", err)
		}
	case ri.Detection != nil:
		det = *ri.Detection
		if det.Metric == "" {
			det.Metric = s.cfg.Detection.Metric
		}
	}
	return det, det.Validate()
}

// itemFactory builds sources for a request. Inline recordings and scripted
// simulations are built here; everything else goes through
// landmark.NewSource.
func (s *Server) itemFactory(specs map[string]SourceSpec) batch.SourceFactory {
	fromConfig := batch.FromConfig(s.logger, s.camera)
	return func(ctx context.Context, item batch.Item) (landmark.Source, error) {
		spec := specs[item.ID]

		switch {
		case item.Source.Backend == landmark.BackendReplay && len(spec.Frames) > 0:
			var opts []landmark.ReplayOption
			if item.Source.Limit > 0 {
				opts = append(opts, landmark.WithReplayLimit(item.Source.Limit))
			}
			rec := &landmark.Recording{Name: item.ID, Frames: spec.Frames}
			return landmark.NewReplay(rec, s.logger, opts...), nil

		case item.Source.Backend == landmark.BackendSimulated && len(spec.Episodes) > 0:
			opts := []landmark.SimulatedOption{
				landmark.WithFrameRate(item.Source.FrameRate),
				landmark.WithSeed(item.Source.Seed),
				landmark.WithEpisodes(spec.Episodes...),
			}
			if item.Source.Limit > 0 {
				opts = append(opts, landmark.WithLimit(item.Source.Limit))
			}
			return landmark.NewSimulated(s.logger, opts...), nil
		}
		return fromConfig(ctx, item)
	}
}

// runStream runs one session over a producer's stream. Detection settings
// can be overridden per connection with query parameters.
func (s *Server) runStream(ctx context.Context, p *ingest.Producer) {
	det, err := streamDetection(s.cfg.Detection, p)
	if err != nil {
		s.sendError(p, err)
		return
	}

	sess, err := fatigue.NewSession(det.Session(), p.Stream,
		fatigue.WithSessionID(p.ID),
		fatigue.WithLogger(s.logger),
		fatigue.WithObserver(func(ev fatigue.TickEvent) {
			s.publish(ev)
			if msg, err := protocol.NewTickMessage(ev); err == nil {
				p.Send(msg)
			}
		}),
	)
	if err != nil {
		s.sendError(p, err)
		return
	}

	out, runErr := sess.Run(ctx)
	s.record(out, runErr)

	// An error never becomes a normal record.
	var rec alert.Record
	if runErr == nil {
		rec, _ = alert.Map(out, det.Policy(), s.now())
	}

	msg, err := protocol.NewResultMessage(out, rec, runErr)
	if err != nil {
		s.logger.Error("encode result", "producer", p.ID, "error", err)
		return
	}
	if err := p.Send(msg); err != nil {
		s.logger.Debug("result not delivered", "producer", p.ID, "error", err)
	}
}

func (s *Server) sendError(p *ingest.Producer, err error) {
	if msg, merr := protocol.NewErrorMessage(err); merr == nil {
		p.Send(msg)
	}
}

// streamDetection applies the query parameters mode, threshold, limit,
// duration and all_metrics over the defaults.
func streamDetection(det config.Detection, p *ingest.Producer) (config.Detection, error) {
	if v := p.Query("mode"); v != "" {
		det.AlertMode = v
	}
	if v := p.Query("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return det, fmt.Errorf("threshold: %w", err)
		}
		det.EyeClosedThreshold = f
	}
	if v := p.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return det, fmt.Errorf("limit: %w", err)
		}
		det.ClosedTimeLimit = n
	}
	if v := p.Query("duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return det, fmt.Errorf("duration: %w", err)
		}
		det.MonitorDuration = n
	}
	if v := p.Query("all_metrics"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return det, fmt.Errorf("all_metrics: %w", err)
		}
		det.ReturnAllMetrics = b
	}
	return det, det.Validate()
}
