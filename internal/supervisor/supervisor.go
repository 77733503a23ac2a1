// Package supervisor owns the daemon's outer reload loop: it loads
// configuration, opens the Store, performs the initial filesystem scan,
// starts the API adapter and Watcher, and dispatches filesystem events to
// the Processor until a config-file touch requests a reload or the
// process is asked to shut down.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dicklesworthstone/valterd/internal/api"
	"github.com/dicklesworthstone/valterd/internal/config"
	"github.com/dicklesworthstone/valterd/internal/processor"
	"github.com/dicklesworthstone/valterd/internal/store"
	"github.com/dicklesworthstone/valterd/internal/watcher"
)

const (
	configLoadRetryDelay = 5 * time.Second
	prodConfigFile       = "valter.config.yaml"
	devConfigFile        = "valter.dev.config.yaml"
	databaseFile         = "valter.db"
)

// Options configures a Supervisor.
type Options struct {
	// HomeDir is the directory holding the configuration file and the
	// mirrored database (<HomeDir>/valter.db).
	HomeDir string
	// Dev selects valter.dev.config.yaml over valter.config.yaml.
	Dev bool
	Logger *log.Logger
}

// Supervisor runs the reload loop described by Options until its context
// is canceled or a fatal error occurs (opening the Store, initializing its
// schema, or starting the Watcher).
type Supervisor struct {
	opts    Options
	logger  *log.Logger
	machine *StateMachine

	adapterMu sync.RWMutex
	adapter   *api.Adapter
}

// New constructs a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Supervisor{opts: opts, logger: opts.Logger, machine: NewStateMachine()}
}

// Adapter returns the API adapter for the current reload cycle, or nil if
// the Supervisor has not yet finished loading. An embedder holding a
// reference to the Supervisor (rather than driving it over a network
// transport, which is out of scope here) uses this to issue queries and
// mutations against whichever cycle is currently serving.
func (s *Supervisor) Adapter() *api.Adapter {
	s.adapterMu.RLock()
	defer s.adapterMu.RUnlock()
	return s.adapter
}

func (s *Supervisor) setAdapter(a *api.Adapter) {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()
	s.adapter = a
}

// ConfigPath returns the configuration file path for the current mode.
func (s *Supervisor) ConfigPath() string {
	name := prodConfigFile
	if s.opts.Dev {
		name = devConfigFile
	}
	return filepath.Join(s.opts.HomeDir, name)
}

// Run executes the reload loop until ctx is canceled. Each iteration loads
// configuration (retrying on syntax error), opens the Store, scans the
// filesystem, starts the API adapter and Watcher, and processes events
// until a config-file touch or cancellation ends that iteration.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		reload, err := s.runOnce(sigCtx)
		if err != nil {
			return err
		}
		if !reload {
			return nil
		}
		if err := s.machine.Transition(StateLoading); err != nil {
			return err
		}
	}
}

// runOnce performs one full load-scan-serve cycle, returning true if it
// ended because the configuration file changed (the caller should loop),
// false if it ended because ctx was canceled (the caller should return).
func (s *Supervisor) runOnce(ctx context.Context) (bool, error) {
	cfg, err := s.loadConfigWithRetry(ctx)
	if err != nil {
		return false, err
	}

	st, err := store.Open(filepath.Join(s.opts.HomeDir, databaseFile), s.logger)
	if err != nil {
		return false, fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(cfg); err != nil {
		return false, fmt.Errorf("initializing schema: %w", err)
	}

	if err := s.machine.Transition(StateReady); err != nil {
		return false, err
	}

	proc := processor.New(st, cfg, s.logger)
	proc.ScanOnStartup()

	s.setAdapter(api.New(st, cfg, proc, s.logger))
	defer s.setAdapter(nil)

	watchedPaths := s.watchedPaths(cfg)
	w, err := watcher.NewWatcher(watchedPaths...)
	if err != nil {
		return false, fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		return false, fmt.Errorf("starting watcher bridge: %w", err)
	}

	if err := s.machine.Transition(StateServing); err != nil {
		return false, err
	}

	return s.eventLoop(ctx, w, proc)
}

// loadConfigWithRetry loads the configuration file, sleeping and retrying
// on any load error (syntax error, failed validation, missing file) until
// ctx is canceled.
func (s *Supervisor) loadConfigWithRetry(ctx context.Context) (*config.Config, error) {
	path := s.ConfigPath()
	for {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg, nil
		}

		s.logger.Warn("config load failed, retrying", "path", path, "error", err, "retry_in", configLoadRetryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(configLoadRetryDelay):
		}
	}
}

// watchedPaths returns the directory containing the config file plus
// every Island root (wildcards stripped), de-duplicated while preserving
// order.
func (s *Supervisor) watchedPaths(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var paths []string

	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	add(filepath.Dir(s.ConfigPath()))
	for _, is := range cfg.Islands {
		add(is.BaseDir())
	}
	return paths
}

// eventLoop dispatches incoming filesystem events to the Processor until
// a config-file touch requests a reload or ctx is canceled. A closed
// watcher channel is disabled and the loop keeps waiting on the others.
func (s *Supervisor) eventLoop(ctx context.Context, w *watcher.Watcher, proc *processor.Processor) (bool, error) {
	configDir := filepath.Dir(s.ConfigPath())

	events := w.Events()
	errs := w.Errors()

	for {
		select {
		case <-ctx.Done():
			if err := s.machine.Transition(StateShutdown); err != nil {
				s.logger.Warn("state transition on shutdown failed", "error", err)
			}
			return false, nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if strings.Contains(ev.Path, prodConfigFile) || strings.Contains(ev.Path, devConfigFile) {
				s.logger.Info("config file touched, reloading", "path", ev.Path, "config_dir", configDir)
				if err := s.machine.Transition(StateReloadRequested); err != nil {
					return false, err
				}
				return true, nil
			}

			if err := s.machine.Transition(StateIngesting); err != nil {
				s.logger.Warn("state transition to Ingesting failed", "error", err)
			}
			proc.HandleEvent(ev.Path)
			if err := s.machine.Transition(StateServing); err != nil {
				s.logger.Warn("state transition back to Serving failed", "error", err)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}
