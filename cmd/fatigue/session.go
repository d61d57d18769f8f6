package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/teslashibe/go-fatigue/internal/config"
	"github.com/teslashibe/go-fatigue/pkg/alert"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// sessionRun is everything one CLI session needs.
type sessionRun struct {
	det      config.Detection
	src      landmark.Source
	fallback landmark.Source
	logger   *slog.Logger

	stopOnFatigue bool
	progress      io.Writer // nil disables the progress line
	out           io.Writer
}

// run drives the session and writes the record, if the policy emits one,
// to out. An interrupted session still reports what it measured; any other
// error is returned without a record.
func (r sessionRun) run(ctx context.Context) error {
	opts := []fatigue.SessionOption{fatigue.WithLogger(r.logger)}
	if r.fallback != nil {
		opts = append(opts, fatigue.WithFallback(r.fallback))
	}
	if r.stopOnFatigue {
		opts = append(opts, fatigue.StopOnFatigue())
	}
	p := &progress{w: r.progress, logger: r.logger}
	opts = append(opts, fatigue.WithObserver(p.observe))

	sess, err := fatigue.NewSession(r.det.Session(), r.src, opts...)
	if err != nil {
		return err
	}

	out, err := sess.Run(ctx)
	p.done()
	if err != nil {
		if !errors.Is(err, context.Canceled) || out.Ticks == 0 {
			return err
		}
		r.logger.Warn("session interrupted, reporting partial result", "ticks", out.Ticks)
	}

	if out.FallbackUsed {
		r.logger.Warn("result comes from the simulated fallback, not a real camera",
			"provenance", out.Provenance)
	}

	rec, ok := alert.Map(out, r.det.Policy(), time.Now())
	if !ok {
		r.logger.Info("no fatigue detected, nothing to report",
			"ticks", out.Ticks,
			"peak_closed", out.PeakClosed,
		)
		return nil
	}

	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
