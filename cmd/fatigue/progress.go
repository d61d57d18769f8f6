package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/fatigue"
)

// progress renders a one-line live readout and announces each fatigue
// episode once.
type progress struct {
	w      io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	episodes int
	drawn    bool
}

func (p *progress) observe(ev fatigue.TickEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Entered {
		p.episodes++
		if p.w != nil {
			// Bell, then clear the progress line before the log line.
			fmt.Fprint(p.w, "\a\r\033[K")
		}
		p.logger.Warn("FATIGUE DETECTED",
			"episode", p.episodes,
			"closed_for", ev.ClosedFor.Round(100*time.Millisecond),
			"ear", ev.EAR,
		)
	}

	if p.w == nil {
		return
	}
	fmt.Fprintf(p.w, "\r\033[K%s", progressLine(ev))
	p.drawn = true
}

// done ends the progress line.
func (p *progress) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != nil && p.drawn {
		fmt.Fprintln(p.w)
	}
}

func progressLine(ev fatigue.TickEvent) string {
	switch {
	case !ev.FaceDetected:
		return fmt.Sprintf("tick %5d  no face          closed %4.1fs  [%s]", ev.Tick, ev.ClosedFor.Seconds(), ev.Phase)
	case ev.InvalidGeometry:
		return fmt.Sprintf("tick %5d  bad geometry     closed %4.1fs  [%s]", ev.Tick, ev.ClosedFor.Seconds(), ev.Phase)
	}
	line := fmt.Sprintf("tick %5d  EAR %.3f  L %.3f  R %.3f  closed %4.1fs  [%s]",
		ev.Tick, ev.EAR, ev.Left, ev.Right, ev.ClosedFor.Seconds(), ev.Phase)
	if ev.Synthetic {
		line += "  (simulated)"
	}
	return line
}
