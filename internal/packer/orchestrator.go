package packer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
	"github.com/parkerjbeard/chronicle/internal/integrity"
	"github.com/parkerjbeard/chronicle/internal/storage"
	"github.com/parkerjbeard/chronicle/ringbuf"
)

// State is one point in the orchestrator's run-cycle state machine.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateWriting
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateWriting:
		return "writing"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultMaxRunDuration is the default deadline RunOnce puts on the
// context it derives for one drain-to-commit cycle. Drain takes no
// context, so the deadline does not interrupt or abort a drain that is
// already running.
const DefaultMaxRunDuration = time.Hour

// Config is everything one Orchestrator needs to run cycles. Fields
// mirror DrainConfig closely since a cycle is, at its core, one Drain
// call bracketed by state transitions and logging/metrics.
type Config struct {
	Ring           *ringbuf.Ring
	Manifest       *storage.Manifest
	EventWriter    *storage.EventFileWriter
	FrameWriter    *storage.FrameFileWriter
	EventsDir      string
	FramesDir      string
	QuarantinePath string
	RowGroupSize   int
	SkipBudget     int
	Day            func(tsNS int64) string
	HHMMSS         func() string
	MaxRunDuration time.Duration
	Logger         Logger
	Metrics        *Metrics
}

// Logger is the minimal structured-logging surface the orchestrator
// needs, satisfied directly by a go-kit/log Logger's Log method.
type Logger interface {
	Log(keyvals ...interface{}) error
}

// nopLogger discards everything; used when Config.Logger is nil so
// call sites never need a nil check.
type nopLogger struct{}

func (nopLogger) Log(...interface{}) error { return nil }

// Orchestrator drives the Idle -> Draining -> Writing -> Committing ->
// Idle cycle, restarting at Idle on every success and latching into
// Failed on an unrecoverable error (a corrupt-frame skip budget
// exhaustion, a storage write that can't be completed, a key the
// KeyRing no longer holds). A fresh Orchestrator always starts by
// re-reading the manifest, so restarting after a crash or a Failed
// latch picks up exactly the committed state left on disk.
type Orchestrator struct {
	state atomic.Int32 // State, read far more often (metrics scrapes, CLI status) than written
	mu    sync.Mutex
	err   error
	cfg   Config
}

// New builds an Orchestrator in StateIdle. cfg.Manifest must already be
// the result of storage.LoadManifest, which is itself how "restart
// re-reads the manifest" is satisfied: there is no separate recovery
// step, loading the manifest IS the recovery step.
func New(cfg Config) *Orchestrator {
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = DefaultMaxRunDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Orchestrator{cfg: cfg}
}

// State returns the orchestrator's current state and, if State() ==
// StateFailed, the error that latched it there.
func (o *Orchestrator) State() (State, error) {
	s := State(o.state.Load())
	if s != StateFailed {
		return s, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return s, o.err
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// RunOnce executes exactly one drain-to-commit cycle. It derives a
// context with a MaxRunDuration deadline, but Drain does not receive it,
// so a cycle that runs past the deadline still runs to completion. It
// refuses to run if the orchestrator is already
// Failed; a caller must construct a new Orchestrator (which re-reads
// the manifest) to recover.
func (o *Orchestrator) RunOnce(ctx context.Context) (DrainResult, error) {
	if state, err := o.State(); state == StateFailed {
		return DrainResult{}, fmt.Errorf("packer: orchestrator latched failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.MaxRunDuration)
	defer cancel()

	o.setState(StateDraining)
	o.cfg.Logger.Log("msg", "drain starting")
	o.cfg.Metrics.DrainsStarted.Inc()
	started := time.Now()

	var quarantine *integrity.Writer
	if o.cfg.QuarantinePath != "" {
		w, err := integrity.OpenWriter(o.cfg.QuarantinePath)
		if err != nil {
			return o.fail(fmt.Errorf("packer: open quarantine file: %w", err))
		}
		quarantine = w
		defer quarantine.Close()
	}

	// Writing and committing happen per batch inside Drain; the
	// orchestrator's externally visible state stays Draining for the
	// duration of the call and only resolves to Writing/Committing
	// retroactively via the logged result, since a single pass can
	// interleave many small writes and commits rather than one of each.
	result, err := Drain(DrainConfig{
		Ring:         o.cfg.Ring,
		Manifest:     o.cfg.Manifest,
		EventWriter:  o.cfg.EventWriter,
		FrameWriter:  o.cfg.FrameWriter,
		EventsDir:    o.cfg.EventsDir,
		FramesDir:    o.cfg.FramesDir,
		Quarantine:   quarantine,
		SkipBudget:   o.cfg.SkipBudget,
		RowGroupSize: o.cfg.RowGroupSize,
		Day:          o.cfg.Day,
		HHMMSS:       o.cfg.HHMMSS,
	})
	if err != nil {
		return o.fail(err)
	}

	o.setState(StateWriting)
	o.setState(StateCommitting)
	elapsed := time.Since(started)
	o.cfg.Metrics.DrainsCompleted.Inc()
	o.cfg.Metrics.EventsRouted.Add(float64(result.EventsRouted))
	o.cfg.Metrics.EventsQuarantined.Add(float64(result.Quarantined))
	o.cfg.Metrics.ArtifactsCommitted.Add(float64(len(result.ArtifactPaths)))
	o.cfg.Metrics.CorruptionTotal.Add(float64(result.CorruptSkipped))
	o.cfg.Metrics.SkipBudgetRemaining.Set(float64(result.SkipBudgetRemaining))
	o.cfg.Metrics.DroppedCount.Set(float64(o.cfg.Ring.Stats().DroppedCount))
	o.cfg.Metrics.CommitDurationSeconds.Observe(elapsed.Seconds())
	o.cfg.Logger.Log(
		"msg", "drain complete",
		"events_read", result.EventsRead,
		"events_routed", result.EventsRouted,
		"frames_committed", result.FramesCommitted,
		"quarantined", result.Quarantined,
		"corrupt_skipped", result.CorruptSkipped,
		"artifacts", len(result.ArtifactPaths),
		"elapsed", elapsed,
	)

	o.setState(StateIdle)
	return result, nil
}

func (o *Orchestrator) fail(err error) (DrainResult, error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	o.setState(StateFailed)
	o.cfg.Metrics.DrainsFailed.Inc()
	o.cfg.Logger.Log("msg", "drain failed", "err", err)
	return DrainResult{}, err
}

// Run drives cycles off sched's fire channel until ctx is canceled. A
// fire received while a cycle is already running is never possible by
// construction (Run only reads the next fire after the previous
// RunOnce returns), so cycles never overlap.
func (o *Orchestrator) Run(ctx context.Context, sched *Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-sched.Fire():
			o.cfg.Logger.Log("msg", "drain triggered", "reason", reason)
			if _, err := o.RunOnce(ctx); err != nil {
				o.cfg.Logger.Log("msg", "cycle aborted, orchestrator failed", "err", err)
				return
			}
		}
	}
}

// RotateKeys installs next as the KeyRing's current epoch. It is a
// thin pass-through kept on Orchestrator so the CLI's rotate-keys
// command has a single entry point that also goes through the same
// logger the rest of the pipeline uses.
func (o *Orchestrator) RotateKeys(kr *cryptoenv.KeyRing, next cryptoenv.Epoch) error {
	if err := kr.Rotate(next); err != nil {
		return fmt.Errorf("packer: rotate keys: %w", err)
	}
	o.cfg.Logger.Log("msg", "key rotated", "epoch", next.Number)
	return nil
}
