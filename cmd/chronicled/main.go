// Command chronicled runs Chronicle's packer: the process that drains
// the producer-facing ring buffer on a schedule or under pressure and
// commits the result into the columnar event store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parkerjbeard/chronicle/internal/config"
	"github.com/parkerjbeard/chronicle/internal/cryptoenv"
	"github.com/parkerjbeard/chronicle/internal/packer"
	"github.com/parkerjbeard/chronicle/internal/storage"
	"github.com/parkerjbeard/chronicle/ringbuf"
)

// Exit codes per the external interface contract: 0 success, 2
// configuration error, 3 integrity failure, 4 encryption failure, 5
// I/O failure.
const (
	exitOK          = 0
	exitConfigError = 2
	exitIntegrity   = 3
	exitEncryption  = 4
	exitIO          = 5
)

// exitError tags an error with the process exit code it should produce,
// so bootstrap and each subcommand can fail close to where they detect
// the problem without main needing a long type switch.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitIO
}

type cli struct {
	Config string `help:"Path to the Chronicle configuration file." required:"" type:"path"`

	Start      startCmd      `cmd:"" help:"Run the orchestrator continuously, draining on schedule and under pressure."`
	Stop       stopCmd       `cmd:"" help:"Signal a running orchestrator process to shut down."`
	Process    processCmd    `cmd:"" help:"Run a single drain cycle and exit."`
	Verify     verifyCmd     `cmd:"" help:"Validate a manifest against the artifacts it references."`
	RotateKeys rotateKeysCmd `cmd:"rotate-keys" help:"Install a new key epoch and make it current."`
}

func main() {
	var c cli
	parser := kong.Must(&c,
		kong.Name("chronicled"),
		kong.Description("Local-only activity recorder packer daemon."),
	)
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "chronicled:", err)
		os.Exit(exitConfigError)
	}

	rc := &runContext{configPath: c.Config}
	runErr := kctx.Run(rc)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "chronicled:", runErr)
	}
	os.Exit(exitCodeFor(runErr))
}

// runContext is threaded into every subcommand's Run method: the one
// piece of state every subcommand needs before it can do anything else.
type runContext struct {
	configPath string
	logger     log.Logger
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger
}

// runtime bundles everything bootstrap assembles from the config file:
// the open ring, the loaded manifest, and (if encryption is enabled)
// the populated key ring.
type runtime struct {
	cfg      config.Config
	ring     *ringbuf.Ring
	manifest *storage.Manifest
	keyring  *cryptoenv.KeyRing
	keystore *cryptoenv.FileKeyStore
	logger   log.Logger
}

func bootstrap(configPath string, logger log.Logger, createRing bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fail(exitConfigError, err)
	}

	ringCfg := ringbuf.Config{
		Path:                  cfg.RingBuffer.Path,
		Capacity:              cfg.RingBuffer.Size,
		MaxRecord:             1 << 20,
		BackpressureThreshold: cfg.RingBuffer.BackpressureThreshold,
		CreateNew:             createRing,
	}
	ring, err := ringbuf.Open(ringCfg)
	if err != nil {
		return nil, fail(exitIO, fmt.Errorf("open ring buffer: %w", err))
	}

	manifest, err := storage.LoadManifest(cfg.Storage.BasePath)
	if err != nil {
		ring.Close()
		return nil, fail(exitIntegrity, fmt.Errorf("load manifest: %w", err))
	}

	rt := &runtime{cfg: cfg, ring: ring, manifest: manifest, logger: logger}

	if cfg.Encryption.Enabled {
		ks, err := cryptoenv.NewFileKeyStore(filepath.Join(cfg.Storage.BasePath, "keys"))
		if err != nil {
			ring.Close()
			return nil, fail(exitEncryption, err)
		}
		rt.keystore = ks

		epochs, err := ks.Load()
		if err != nil {
			ring.Close()
			return nil, fail(exitEncryption, fmt.Errorf("load keys: %w", err))
		}
		if len(epochs) == 0 {
			key, err := cryptoenv.GenerateKey()
			if err != nil {
				ring.Close()
				return nil, fail(exitEncryption, err)
			}
			first := cryptoenv.Epoch{Number: 1, Key: key}
			if err := ks.Store(first); err != nil {
				ring.Close()
				return nil, fail(exitEncryption, err)
			}
			epochs = []cryptoenv.Epoch{first}
		}

		kr, err := cryptoenv.NewKeyRing(cryptoenv.NewUnixMemoryLocker(), epochs[0])
		if err != nil {
			ring.Close()
			return nil, fail(exitEncryption, err)
		}
		for _, e := range epochs[1:] {
			if err := kr.Rotate(e); err != nil {
				ring.Close()
				return nil, fail(exitEncryption, err)
			}
		}
		rt.keyring = kr
	}

	return rt, nil
}

func (rt *runtime) algorithm() cryptoenv.Algorithm {
	if rt.cfg.Encryption.Algorithm == "chacha20poly1305" {
		return cryptoenv.AlgorithmChaCha20Poly1305
	}
	return cryptoenv.AlgorithmAESGCM
}

func (rt *runtime) orchestrator() (*packer.Orchestrator, error) {
	codec, err := storage.CodecByName(rt.cfg.Storage.Compression)
	if err != nil {
		return nil, fail(exitConfigError, err)
	}

	loc, err := config.ResolveTimezone(rt.cfg.Scheduling.Timezone)
	if err != nil {
		return nil, fail(exitConfigError, err)
	}

	return packer.New(packer.Config{
		Ring:           rt.ring,
		Manifest:       rt.manifest,
		EventWriter:    &storage.EventFileWriter{RowGroupSize: rt.cfg.Storage.RowGroupSize, Codec: codec, KeyRing: rt.keyring, Algorithm: rt.algorithm()},
		FrameWriter:    &storage.FrameFileWriter{KeyRing: rt.keyring, Algorithm: rt.algorithm()},
		EventsDir:      filepath.Join(rt.cfg.Storage.BasePath, "events"),
		FramesDir:      filepath.Join(rt.cfg.Storage.BasePath, "frames"),
		QuarantinePath: filepath.Join(rt.cfg.Storage.BasePath, "quarantine", "current.jsonl"),
		RowGroupSize:   rt.cfg.Storage.RowGroupSize,
		Day: func(tsNS int64) string {
			return time.Unix(0, tsNS).In(loc).Format("2006/01/02")
		},
		HHMMSS: func() string {
			return time.Now().In(loc).Format("150405")
		},
		MaxRunDuration: rt.cfg.Scheduling.MaxProcessingTime,
		Logger:         rt.logger,
	}), nil
}

func pidFilePath(basePath string) string {
	return filepath.Join(basePath, "chronicled.pid")
}

type startCmd struct{}

// Run brings up the orchestrator's scheduler and drives cycles until a
// shutdown signal arrives.
func (c *startCmd) Run(rc *runContext) error {
	logger := newLogger()
	rt, err := bootstrap(rc.configPath, logger, true)
	if err != nil {
		return err
	}
	defer rt.ring.Close()

	if err := os.WriteFile(pidFilePath(rt.cfg.Storage.BasePath), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fail(exitIO, fmt.Errorf("write pid file: %w", err))
	}
	defer os.Remove(pidFilePath(rt.cfg.Storage.BasePath))

	orch, err := rt.orchestrator()
	if err != nil {
		return err
	}

	dailyAt, err := config.ParseDailyTime(rt.cfg.Scheduling.DailyTime)
	if err != nil {
		return fail(exitConfigError, err)
	}
	loc, err := config.ResolveTimezone(rt.cfg.Scheduling.Timezone)
	if err != nil {
		return fail(exitConfigError, err)
	}
	sched := packer.NewScheduler(packer.SchedulerConfig{
		DailyAt:          dailyAt,
		Location:         loc,
		PressureFraction: rt.cfg.Scheduling.BackpressureThreshold,
	}, rt.ring)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sched.Run(ctx)
	level.Info(logger).Log("msg", "chronicled started", "config", rc.configPath)
	orch.Run(ctx, sched)

	if state, stateErr := orch.State(); state == packer.StateFailed {
		return fail(exitIO, fmt.Errorf("orchestrator failed: %w", stateErr))
	}
	return nil
}

type stopCmd struct{}

// Run reads the PID file bootstrap's matching start wrote and sends it
// SIGTERM, the same mechanism an init system would use, kept here so
// the CLI surface is self-contained without depending on one.
func (c *stopCmd) Run(rc *runContext) error {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return fail(exitConfigError, err)
	}
	b, err := os.ReadFile(pidFilePath(cfg.Storage.BasePath))
	if err != nil {
		return fail(exitIO, fmt.Errorf("read pid file: %w", err))
	}
	pid, err := strconv.Atoi(string(b))
	if err != nil {
		return fail(exitIO, fmt.Errorf("parse pid file: %w", err))
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fail(exitIO, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fail(exitIO, fmt.Errorf("signal process %d: %w", pid, err))
	}
	return nil
}

type processCmd struct {
	Date   string `help:"Restrict logging context to this date (YYYY/MM/DD); does not filter which frames are drained, since the ring carries no date index." optional:""`
	DryRun bool   `help:"Report ring usage and exit; no frames are drained or validated and nothing is written." name:"dry-run"`
}

// Run executes exactly one drain cycle, for cron-driven or manual
// invocation outside the continuously running daemon.
func (c *processCmd) Run(rc *runContext) error {
	logger := newLogger()
	rt, err := bootstrap(rc.configPath, logger, false)
	if err != nil {
		return err
	}
	defer rt.ring.Close()

	if c.DryRun {
		stats := rt.ring.Stats()
		level.Info(logger).Log("msg", "dry run", "used_bytes", stats.Used, "utilization", stats.Utilization)
		return nil
	}

	orch, err := rt.orchestrator()
	if err != nil {
		return err
	}
	result, err := orch.RunOnce(context.Background())
	if err != nil {
		return fail(exitIO, err)
	}
	level.Info(logger).Log(
		"msg", "process complete",
		"date", c.Date,
		"events_routed", result.EventsRouted,
		"frames_committed", result.FramesCommitted,
		"quarantined", result.Quarantined,
		"artifacts", len(result.ArtifactPaths),
	)
	return nil
}

type verifyCmd struct {
	Manifest string `arg:"" help:"Path to the base directory containing metadata/files.json." type:"path"`
}

// Run re-reads every manifest entry and confirms the artifact it
// references still exists, has a parseable sealed header, and was
// sealed under the key epoch the manifest recorded. It does not decrypt
// the artifact, so a missing key does not make verify itself fail and
// the recorded content hash is not checked.
func (c *verifyCmd) Run(rc *runContext) error {
	logger := newLogger()
	m, err := storage.LoadManifest(c.Manifest)
	if err != nil {
		return fail(exitIntegrity, err)
	}

	var broken int
	for _, entry := range m.Entries() {
		b, err := os.ReadFile(entry.Path)
		if err != nil {
			level.Warn(logger).Log("msg", "artifact missing", "path", entry.Path, "err", err)
			broken++
			continue
		}
		_, epoch, err := storage.ParseSealedHeader(b)
		if err != nil {
			level.Warn(logger).Log("msg", "artifact unreadable", "path", entry.Path, "err", err)
			broken++
			continue
		}
		if epoch != entry.KeyEpoch {
			level.Warn(logger).Log("msg", "artifact key epoch mismatch", "path", entry.Path, "manifest_epoch", entry.KeyEpoch, "file_epoch", epoch)
			broken++
			continue
		}
	}

	if broken > 0 {
		return fail(exitIntegrity, fmt.Errorf("%d of %d manifest entries are broken", broken, len(m.Entries())))
	}
	level.Info(logger).Log("msg", "verify complete", "entries", len(m.Entries()))
	return nil
}

type rotateKeysCmd struct{}

// Run generates a fresh key epoch, persists it to the key store, and
// installs it as current, leaving prior epochs live so already-written
// artifacts stay decryptable until their own retention window elapses.
func (c *rotateKeysCmd) Run(rc *runContext) error {
	logger := newLogger()
	rt, err := bootstrap(rc.configPath, logger, false)
	if err != nil {
		return err
	}
	defer rt.ring.Close()

	if rt.keyring == nil {
		return fail(exitEncryption, fmt.Errorf("encryption is not enabled in %s", rc.configPath))
	}

	current := rt.keyring.Current()
	next := cryptoenv.Epoch{Number: current.Number + 1}
	key, err := cryptoenv.GenerateKey()
	if err != nil {
		return fail(exitEncryption, err)
	}
	next.Key = key

	if err := rt.keystore.Store(next); err != nil {
		return fail(exitEncryption, err)
	}
	if err := rt.keyring.Rotate(next); err != nil {
		return fail(exitEncryption, err)
	}
	level.Info(logger).Log("msg", "key rotated", "epoch", next.Number)
	return nil
}
