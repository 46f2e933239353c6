// Package bridge reconciles native call surface instructions with the SIP
// signaling stack through the session registry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/serial"
	"github.com/flowpbx/callbridge/internal/session"
)

const (
	// DefaultAcceptTimeout bounds how long an answered call may stay unbound.
	DefaultAcceptTimeout = 10 * time.Second

	// DefaultReportTimeout bounds how long a reported call may stay unbound.
	DefaultReportTimeout = 20 * time.Second

	historyBuffer = 64
)

// Config holds the bridge tunables.
type Config struct {
	AcceptTimeout time.Duration
	ReportTimeout time.Duration

	// History receives every removed session. Optional.
	History CallLogger
}

// Bridge owns the session registry and applies every instruction and
// signaling event to it on a single serial queue.
type Bridge struct {
	queue     *serial.Queue
	registry  *session.Registry
	signaling Signaling
	surface   Surface
	cfg       Config
	history   chan *models.CallLogEntry
	logger    *slog.Logger

	forcedAccept        atomic.Uint64
	forcedReport        atomic.Uint64
	reportFailures      atomic.Uint64
	signalingRejections atomic.Uint64
}

// New creates a bridge. A nil clock uses the system clock.
func New(clock serial.Clock, signaling Signaling, surface Surface, cfg Config, logger *slog.Logger) *Bridge {
	if clock == nil {
		clock = serial.SystemClock()
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}

	b := &Bridge{
		queue:     serial.NewQueue(clock, 0, logger),
		registry:  session.NewRegistry(clock.Now, logger),
		signaling: signaling,
		surface:   surface,
		cfg:       cfg,
		logger:    logger.With("subsystem", "bridge"),
	}
	if cfg.History != nil {
		b.history = make(chan *models.CallLogEntry, historyBuffer)
	}
	return b
}

// Run processes instructions and events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if b.history != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.writeHistory(ctx)
		}()
	}

	b.logger.Info("bridge started",
		"accept_timeout", b.cfg.AcceptTimeout,
		"report_timeout", b.cfg.ReportTimeout,
	)
	b.queue.Run(ctx)
	wg.Wait()
	b.logger.Info("bridge stopped")
}

// submit runs fn on the queue. When the bridge has stopped the action, if
// any, is failed.
func (b *Bridge) submit(op string, act Action, fn func()) {
	if !b.queue.Submit(fn) {
		b.logger.Warn("instruction dropped, bridge stopped", "op", op)
		if act != nil {
			act.Fail()
		}
	}
}

// callFor resolves the signaling call for rec. A call that exists but has
// not been bound yet is bound on the spot.
func (b *Bridge) callFor(rec session.Record) (Call, error) {
	id := rec.CallID()
	if id == "" {
		return nil, ErrUnbound
	}
	call, ok := b.signaling.CallByID(id)
	if !ok {
		return nil, ErrUnbound
	}
	if err := b.bindCall(rec, call); err != nil {
		return nil, err
	}
	return call, nil
}

// bindCall binds rec to call and applies the decision taken while the
// record was unbound, if any.
func (b *Bridge) bindCall(rec session.Record, call Call) error {
	if rec.IsBound() {
		return nil
	}
	if err := b.registry.BindCallID(rec.Token, call.CallID()); err != nil {
		return err
	}

	switch {
	case rec.Progress.Declined:
		b.logger.Info("declining call refused before it was bound",
			"token", rec.Token,
			"call_id", call.CallID(),
			"reason", rec.Progress.DeclineReason,
		)
		b.checkSignaling("decline", rec.Token, b.signaling.Decline(call, rec.Progress.DeclineReason))
	case rec.Progress.Accepted:
		b.logger.Info("accepting call answered before it was bound",
			"token", rec.Token,
			"call_id", call.CallID(),
		)
		b.checkSignaling("accept", rec.Token, b.signaling.Accept(call, call.VideoEnabled()))
	}
	return nil
}

// checkSignaling logs a signaling failure. The surface acknowledgement is
// never affected by it.
func (b *Bridge) checkSignaling(op string, token session.Token, err error) {
	if err == nil {
		return
	}
	b.signalingRejections.Add(1)
	b.logger.Error("signaling operation failed",
		"op", op,
		"token", token,
		"error", fmt.Errorf("%w: %w", ErrSignalingRejected, err),
	)
}

// lookup resolves token, logging unknown tokens.
func (b *Bridge) lookup(op string, token session.Token) (session.Record, bool) {
	rec, ok := b.registry.Lookup(token)
	if !ok {
		b.logger.Warn("instruction for unknown session",
			"op", op,
			"token", token,
			"error", session.ErrNotFound,
		)
	}
	return rec, ok
}

// resolve looks up token and its call. ok is false when either is missing.
func (b *Bridge) resolve(op string, token session.Token) (session.Record, Call, bool) {
	rec, ok := b.lookup(op, token)
	if !ok {
		return rec, nil, false
	}
	call, err := b.callFor(rec)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrUnbound) {
			level = slog.LevelInfo
		}
		b.logger.Log(context.Background(), level, "no signaling call for instruction",
			"op", op,
			"token", token,
			"call_id", rec.CallID(),
			"error", err,
		)
		return rec, nil, false
	}
	return rec, call, true
}

// Snapshot returns copies of all live sessions.
func (b *Bridge) Snapshot(ctx context.Context) ([]session.Record, error) {
	var out []session.Record
	err := b.queue.Do(ctx, func() { out = b.registry.Snapshot() })
	return out, err
}

// Counts returns the number of live and unbound sessions.
func (b *Bridge) Counts(ctx context.Context) (live, unbound int, err error) {
	err = b.queue.Do(ctx, func() {
		live = b.registry.Len()
		unbound = b.registry.UnboundCount()
	})
	return live, unbound, err
}

// Stats is a point-in-time copy of the bridge counters.
type Stats struct {
	ForcedAcceptTimeouts uint64
	ForcedReportTimeouts uint64
	ReportFailures       uint64
	SignalingRejections  uint64
}

// Stats returns the bridge counters. Safe from any goroutine.
func (b *Bridge) Stats() Stats {
	return Stats{
		ForcedAcceptTimeouts: b.forcedAccept.Load(),
		ForcedReportTimeouts: b.forcedReport.Load(),
		ReportFailures:       b.reportFailures.Load(),
		SignalingRejections:  b.signalingRejections.Load(),
	}
}
