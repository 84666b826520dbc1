package job

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/job/classify"
	"github.com/runforge/runforge/internal/toolchain"
)

// Supervisor manages the single active job. Starting a new job while
// one is running cancels the previous one first; the engine runs one
// job at a time by design.
type Supervisor struct {
	engineCfg  Config
	tool       string
	workDir    string
	defTimeout time.Duration
	classifier *classify.Classifier
	bus        bus.EventBus
	logger     *logger.Logger

	mu      sync.Mutex
	active  *Engine
	startSf singleflight.Group // Deduplicates identical concurrent start requests
}

// NewSupervisor builds a Supervisor from application configuration.
func NewSupervisor(cfg config.EngineConfig, classifier *classify.Classifier, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		engineCfg: Config{
			InactivityTimeout:     cfg.InactivityTimeoutDuration(),
			MaxInactivityWarnings: cfg.MaxInactivityWarnings,
			WatchdogInterval:      cfg.WatchdogIntervalDuration(),
			SilenceThreshold:      cfg.SilenceThresholdDuration(),
			GracePeriod:           cfg.GracePeriodDuration(),
			BufferMaxBytes:        cfg.BufferMaxBytes,
		},
		tool:       cfg.Tool,
		workDir:    cfg.WorkDir,
		defTimeout: cfg.DefaultTimeoutDuration(),
		classifier: classifier,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "supervisor")),
	}
}

// StartJob validates the subcommand, cancels any running job, spawns
// the new one and returns its initial snapshot. Identical concurrent
// requests are collapsed into a single job; without that a burst of
// retries would repeatedly cancel and replace its own work.
func (s *Supervisor) StartJob(ctx context.Context, command string, args []string) (Info, error) {
	if !toolchain.IsKnown(command) {
		return Info{}, apperrors.ValidationError("command", "unknown subcommand: "+command)
	}

	if err := ctx.Err(); err != nil {
		return Info{}, apperrors.Wrap(err, "start request aborted")
	}

	key := command + " " + strings.Join(args, " ")
	v, err, _ := s.startSf.Do(key, func() (interface{}, error) {
		return s.startJob(command, args)
	})
	return v.(Info), err
}

// startJob runs outside the caller's context on purpose: the spawned
// process must outlive the request that started it.
func (s *Supervisor) startJob(command string, args []string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && !s.active.Job().State().Terminal() {
		prev := s.active
		s.logger.Info("cancelling previous job before starting a new one",
			zap.String("previous_job_id", prev.Job().ID()))
		if err := prev.Cancel(); err == nil || apperrors.Code(err) == apperrors.ErrCodeConflict {
			s.awaitDone(prev)
		}
	}

	spec := toolchain.Lookup(command)
	timeout := spec.Timeout
	if timeout == toolchain.DefaultTimeout && s.defTimeout > 0 {
		timeout = s.defTimeout
	}

	engine, err := NewEngine(s.engineCfg, Spec{
		Program:     s.tool,
		Command:     command,
		Args:        args,
		WorkDir:     s.workDir,
		Timeout:     timeout,
		Interactive: spec.Interactive,
	}, s.classifier, s.bus, s.logger)
	if err != nil {
		return Info{}, apperrors.InternalError("failed to create job engine", err)
	}

	if err := engine.Start(); err != nil {
		return engine.Job().Info(), err
	}

	s.active = engine
	return engine.Job().Info(), nil
}

// awaitDone blocks until the previous engine has fully shut down, up
// to the grace period plus a margin. A job that outlives even SIGKILL
// escalation is abandoned rather than blocking new work forever.
func (s *Supervisor) awaitDone(engine *Engine) {
	limit := s.engineCfg.GracePeriod + 3*time.Second
	select {
	case <-engine.Done():
	case <-time.After(limit):
		s.logger.Warn("previous job did not shut down in time",
			zap.String("job_id", engine.Job().ID()))
	}
}

// Current returns the most recent job's snapshot, if any.
func (s *Supervisor) Current() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Info{}, false
	}
	return s.active.Job().Info(), true
}

// get returns the active engine when the ID matches.
func (s *Supervisor) get(jobID string) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.Job().ID() != jobID {
		return nil, apperrors.NotFound("job", jobID)
	}
	return s.active, nil
}

// SendInput relays text to the identified job's stdin.
func (s *Supervisor) SendInput(jobID, text string) error {
	engine, err := s.get(jobID)
	if err != nil {
		return err
	}
	return engine.SendInput(text)
}

// Cancel requests termination of the identified job.
func (s *Supervisor) Cancel(jobID string) error {
	engine, err := s.get(jobID)
	if err != nil {
		return err
	}
	return engine.Cancel()
}

// Output returns the identified job's buffered classified output.
func (s *Supervisor) Output(jobID string) ([]OutputLine, error) {
	engine, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	return engine.Lines(), nil
}

// Info returns the identified job's snapshot.
func (s *Supervisor) Info(jobID string) (Info, error) {
	engine, err := s.get(jobID)
	if err != nil {
		return Info{}, err
	}
	return engine.Job().Info(), nil
}

// Shutdown cancels the active job, if any, and waits for it to exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	engine := s.active
	s.mu.Unlock()

	if engine == nil || engine.Job().State().Terminal() {
		return
	}
	if err := engine.Cancel(); err != nil {
		return
	}
	select {
	case <-engine.Done():
	case <-ctx.Done():
	}
}
