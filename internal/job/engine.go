package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/job/classify"
	"github.com/runforge/runforge/internal/job/prompt"
	"github.com/runforge/runforge/internal/job/watchdog"
)

// Spec describes one subprocess invocation.
type Spec struct {
	// Program is the binary to execute.
	Program string
	// Command is the subcommand passed as the first argument. May be
	// empty when Args already carry the full invocation.
	Command string
	// Args are the remaining arguments.
	Args []string
	// WorkDir is the working directory. Empty means inherit.
	WorkDir string
	// Timeout caps total run duration. Zero disables the limit.
	Timeout time.Duration
	// Interactive enables silence-based prompt detection from the
	// start instead of only when a newline-less output tail is seen.
	Interactive bool
}

// Config carries engine tuning shared across jobs.
type Config struct {
	InactivityTimeout     time.Duration
	MaxInactivityWarnings int
	WatchdogInterval      time.Duration
	SilenceThreshold      time.Duration
	PromptPatterns        []string
	GracePeriod           time.Duration
	BufferMaxBytes        int
}

// chunkMsg carries raw output from a reader goroutine to the loop.
type chunkMsg struct {
	stream string
	data   []byte
	err    error // non-EOF read failure
}

type exitMsg struct {
	err error
}

type reqKind int

const (
	reqInput reqKind = iota
	reqCancel
)

// request is how external callers reach the event loop. State is
// never mutated outside the loop; callers enqueue and wait for the
// reply instead.
type request struct {
	kind  reqKind
	text  string
	reply chan error
}

// Engine runs a single job: it owns the subprocess, serializes all
// state mutation onto one event loop goroutine, and publishes
// classified output and lifecycle events on the bus.
type Engine struct {
	cfg    Config
	spec   Spec
	job    *Job
	logger *logger.Logger
	bus    bus.EventBus

	classifier *classify.Classifier
	detector   *prompt.Detector
	dog        *watchdog.Watchdog
	buffer     *ringBuffer

	cmd   *exec.Cmd
	stdin io.WriteCloser

	chunks   chan chunkMsg
	exited   chan exitMsg
	requests chan request
	done     chan struct{}

	stopOnce   sync.Once
	stopSignal chan struct{}

	// Loop-owned fields: touched only by the run goroutine.
	killStarted bool
	killReason  string
	partials    map[string]string
}

// NewEngine creates an engine for one invocation. The job starts in
// the Starting state; call Start to spawn the subprocess.
func NewEngine(cfg Config, spec Spec, classifier *classify.Classifier, eventBus bus.EventBus, log *logger.Logger) (*Engine, error) {
	detector, err := prompt.NewDetector(cfg.PromptPatterns, cfg.SilenceThreshold)
	if err != nil {
		return nil, err
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Second
	}

	command := spec.Command
	if command == "" {
		command = spec.Program
	}
	j := newJob(command, spec.Args)

	return &Engine{
		cfg:        cfg,
		spec:       spec,
		job:        j,
		logger:     log.WithJobID(j.ID()),
		bus:        eventBus,
		classifier: classifier,
		detector:   detector,
		buffer:     newRingBuffer(cfg.BufferMaxBytes),
		chunks:     make(chan chunkMsg),
		exited:     make(chan exitMsg, 1),
		requests:   make(chan request),
		done:       make(chan struct{}),
		stopSignal: make(chan struct{}),
		partials:   map[string]string{"stdout": "", "stderr": ""},
	}, nil
}

// Job returns the job tracked by this engine.
func (e *Engine) Job() *Job {
	return e.job
}

// Done is closed once the job has reached a terminal state and the
// event loop has shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Lines returns the buffered classified output so far.
func (e *Engine) Lines() []OutputLine {
	return e.buffer.snapshot()
}

// Start spawns the subprocess and launches the event loop. On spawn
// failure the job transitions to Failed and a SpawnError is returned.
//
// The subprocess is deliberately not bound to any caller context: the
// engine owns the process's lifetime, and the only termination paths
// are explicit cancellation and the watchdog. Binding to a request
// context would kill the process the moment the request returns.
func (e *Engine) Start() error {
	args := e.spec.Args
	if e.spec.Command != "" {
		args = append([]string{e.spec.Command}, e.spec.Args...)
	}
	cmd := exec.Command(e.spec.Program, args...)
	if e.spec.WorkDir != "" {
		cmd.Dir = e.spec.WorkDir
	}

	e.cmd = cmd
	e.publishState()

	var readers sync.WaitGroup
	if e.spec.Interactive {
		// Interactive jobs run on a pseudo-terminal so the tool
		// actually prints its prompts. stdout and stderr arrive
		// combined on the master side.
		ptmx, err := startOnPty(cmd)
		if err != nil {
			return e.failSpawn(err)
		}
		e.stdin = ptmx
		readers.Add(1)
		go e.readPty(ptmx, &readers)
	} else {
		setProcGroup(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return e.failSpawn(fmt.Errorf("failed to attach stdin: %w", err))
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return e.failSpawn(fmt.Errorf("failed to attach stdout: %w", err))
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return e.failSpawn(fmt.Errorf("failed to attach stderr: %w", err))
		}
		e.stdin = stdin

		if err := cmd.Start(); err != nil {
			return e.failSpawn(err)
		}
		readers.Add(2)
		go e.readOutput(stdout, "stdout", &readers)
		go e.readOutput(stderr, "stderr", &readers)
	}

	now := time.Now()
	e.dog = watchdog.New(now, e.spec.Timeout, e.cfg.InactivityTimeout, e.cfg.MaxInactivityWarnings)

	if e.job.transition(StateRunning) {
		e.publishState()
	}

	e.logger.Info("job started",
		zap.String("program", e.spec.Program),
		zap.String("command", e.spec.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("pty", e.spec.Interactive),
	)

	go e.waitProcess(&readers)
	go e.run()

	return nil
}

// failSpawn records a spawn failure and shuts the engine down before
// the event loop ever runs.
func (e *Engine) failSpawn(err error) error {
	e.job.setReason(ReasonSpawnError)
	e.job.transition(StateFailed)
	e.publishState()
	close(e.done)
	e.logger.WithError(err).Error("failed to spawn job")
	return apperrors.SpawnError(e.job.command, err)
}

// SendInput forwards text to the subprocess's stdin. Rejected when
// the job is terminal or the text is empty after stripping control
// characters.
func (e *Engine) SendInput(text string) error {
	return e.enqueue(request{kind: reqInput, text: text})
}

// Cancel requests termination. Idempotent: the first call returns nil
// once the kill has been issued, later calls report the job as
// already terminated. The terminal Interrupted transition happens
// only after the process has actually exited.
func (e *Engine) Cancel() error {
	return e.enqueue(request{kind: reqCancel})
}

func (e *Engine) enqueue(req request) error {
	req.reply = make(chan error, 1)
	select {
	case e.requests <- req:
	case <-e.done:
		return e.terminalError(req.kind)
	}
	select {
	case err := <-req.reply:
		return err
	case <-e.done:
		// The loop replies before exiting, so a reply may already be
		// buffered even though done is closed.
		select {
		case err := <-req.reply:
			return err
		default:
			return e.terminalError(req.kind)
		}
	}
}

func (e *Engine) terminalError(kind reqKind) error {
	if kind == reqCancel {
		return apperrors.Conflict("job already terminated")
	}
	return apperrors.InputRejected("already_terminated")
}

// run is the single-writer event loop. Output chunks, process exit,
// watchdog ticks and external requests are serialized here so job
// state never needs a caller-side lock.
func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case msg := <-e.chunks:
			e.handleChunk(msg)
		case ex := <-e.exited:
			e.handleExit(ex)
			return
		case req := <-e.requests:
			e.handleRequest(req)
		case now := <-ticker.C:
			e.handleTick(now)
		}
	}
}

func (e *Engine) handleChunk(msg chunkMsg) {
	if msg.err != nil {
		e.logger.WithError(msg.err).Warn("output read error", zap.String("stream", msg.stream))
		e.startKill(ReasonIoError)
		return
	}
	// Output arriving after a kill request is dropped.
	if e.killStarted {
		return
	}

	e.recordActivity(time.Now())

	text := e.partials[msg.stream] + string(msg.data)
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(text[:idx], "\r")
		text = text[idx+1:]
		e.emitLine(msg.stream, line)
	}
	e.partials[msg.stream] = text

	// A newline-less tail is checked against the prompt patterns
	// immediately: interactive tools usually print their prompt
	// without a trailing newline. A matching tail is flushed as a
	// classified line of its own, so consumers rendering output see
	// the prompt text and later output does not concatenate onto it.
	if text != "" && e.detector.ObservePartial(text) {
		e.partials[msg.stream] = ""
		e.emitLine(msg.stream, strings.TrimRight(text, "\r"))
		e.promptDetected(text)
	}
}

// emitLine classifies a complete line, buffers it and publishes it.
func (e *Engine) emitLine(stream, text string) {
	tag := e.classifier.Classify(text)
	line := OutputLine{
		Text:      text,
		Tag:       tag,
		Stream:    stream,
		Timestamp: time.Now().UTC(),
	}
	e.buffer.append(line)
	e.publishLine(line)

	if tag == classify.TagProgram {
		if e.detector.ObserveLine(text) {
			e.promptDetected(text)
		}
	} else {
		e.detector.Rearm()
	}
}

// flushPartials emits any pending newline-less output as final lines.
// Skipped after a kill request: late output is dropped.
func (e *Engine) flushPartials() {
	if e.killStarted {
		return
	}
	for _, stream := range []string{"stdout", "stderr"} {
		if text := e.partials[stream]; text != "" {
			e.partials[stream] = ""
			e.emitLine(stream, strings.TrimRight(text, "\r"))
		}
	}
}

func (e *Engine) handleTick(now time.Time) {
	if e.killStarted {
		return
	}

	switch e.dog.Evaluate(now) {
	case watchdog.DecisionWarn:
		e.job.setWarningCount(e.dog.WarningCount())
		e.publishWarning(now)
	case watchdog.DecisionKillTimeout:
		e.logger.Warn("job exceeded run timeout", zap.Duration("timeout", e.spec.Timeout))
		e.startKill(ReasonTimeoutExceeded)
		return
	case watchdog.DecisionKillInactivity:
		e.logger.Warn("job killed after repeated inactivity warnings",
			zap.Int("warnings", e.dog.WarningCount()))
		e.startKill(ReasonInactivityTimeout)
		return
	}

	// Silence-based prompt detection. Only consulted for jobs hinted
	// as interactive, or when a pending partial line suggests a prompt
	// was printed without a newline; build tools legitimately pause
	// mid-output otherwise.
	if e.job.State() != StateRunning {
		return
	}
	pending := e.partials["stdout"] + e.partials["stderr"]
	if !e.spec.Interactive && pending == "" {
		return
	}
	if e.detector.ObserveSilence(e.dog.IdleSince(now)) {
		e.flushPartials()
		e.promptDetected(pending)
	}
}

func (e *Engine) handleRequest(req request) {
	switch req.kind {
	case reqCancel:
		if e.job.State().Terminal() || e.killStarted {
			req.reply <- apperrors.Conflict("job already terminated")
			return
		}
		e.startKill(ReasonCanceled)
		req.reply <- nil

	case reqInput:
		state := e.job.State()
		if state.Terminal() || e.killStarted {
			req.reply <- apperrors.InputRejected("already_terminated")
			return
		}
		text := sanitizeInput(req.text)
		if text == "" {
			req.reply <- apperrors.InputRejected("empty input")
			return
		}
		if _, err := io.WriteString(e.stdin, text+"\n"); err != nil {
			e.logger.WithError(err).Warn("stdin write failed")
			e.startKill(ReasonIoError)
			req.reply <- apperrors.IoError("failed to write to process stdin", err)
			return
		}
		e.recordActivity(time.Now())
		e.detector.Reset()
		if state == StateWaitingForInput {
			if e.job.transition(StateRunning) {
				e.publishState()
			}
		}
		req.reply <- nil
	}
}

// startKill initiates termination exactly once. Readers are stopped,
// the watchdog shuts down, and a background goroutine walks the
// SIGTERM then SIGKILL escalation. The terminal transition itself
// waits for exit confirmation in handleExit.
func (e *Engine) startKill(reason string) {
	if e.killStarted {
		return
	}
	e.killStarted = true
	e.killReason = reason
	e.dog.Stop()
	e.signalStop()
	go e.terminate()
}

func (e *Engine) handleExit(ex exitMsg) {
	e.dog.Stop()
	e.signalStop()
	e.flushPartials()

	switch {
	case e.killReason == ReasonIoError:
		e.job.setReason(ReasonIoError)
		if e.job.transition(StateFailed) {
			e.publishState()
		}
	case e.killReason != "":
		e.job.setReason(e.killReason)
		if e.job.transition(StateInterrupted) {
			e.publishState()
		}
	case ex.err == nil:
		e.job.setExitCode(0)
		if e.job.transition(StateCompleted) {
			e.publishState()
		}
	default:
		if exitErr, ok := ex.err.(*exec.ExitError); ok {
			// A non-zero exit is a failed run, not a system failure:
			// it still terminates as Completed with the code surfaced.
			e.job.setExitCode(extractExitCode(exitErr))
			if e.job.transition(StateCompleted) {
				e.publishState()
			}
		} else {
			e.job.setReason(ReasonIoError)
			if e.job.transition(StateFailed) {
				e.publishState()
			}
		}
	}

	info := e.job.Info()
	if termErr := TerminalError(info, e.spec.Timeout, e.cfg.InactivityTimeout); termErr != nil {
		e.logger.WithError(termErr).Warn("job finished",
			zap.String("state", string(info.State)),
			zap.String("reason", info.Reason),
		)
	} else {
		e.logger.Info("job finished",
			zap.String("state", string(info.State)),
			zap.String("reason", info.Reason),
		)
	}
}

func (e *Engine) recordActivity(now time.Time) {
	e.dog.Touch(now)
	e.job.touch(now)
}

func (e *Engine) promptDetected(text string) {
	if !e.job.transition(StateWaitingForInput) {
		return
	}
	e.publishState()
	e.publishPrompt(text)
	e.logger.Debug("prompt detected", zap.String("text", text))
}

// signalStop tells the reader goroutines to exit. Safe to call more
// than once.
func (e *Engine) signalStop() {
	e.stopOnce.Do(func() {
		close(e.stopSignal)
	})
}

// terminate walks the graceful shutdown path: SIGTERM to the process
// group, a grace period, then SIGKILL. Signalling an already-dead
// group is harmless.
func (e *Engine) terminate() {
	proc := e.cmd.Process
	if proc == nil {
		return
	}

	pgid, err := syscall.Getpgid(proc.Pid)
	if err == nil {
		_ = terminateProcessGroup(pgid)
	} else {
		_ = proc.Signal(syscall.SIGTERM)
	}

	grace := e.cfg.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-e.done:
		return
	case <-time.After(grace):
	}

	if err == nil {
		_ = killProcessGroup(pgid)
	} else {
		_ = proc.Kill()
	}
}

// readOutput streams one pipe into the event loop in fixed-size
// chunks. Lines are assembled in the loop, not here, so prompts
// printed without a newline still reach the detector.
func (e *Engine) readOutput(reader io.ReadCloser, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = reader.Close() }()

	buf := make([]byte, 4096)
	for {
		select {
		case <-e.stopSignal:
			return
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case e.chunks <- chunkMsg{stream: stream, data: data}:
			case <-e.stopSignal:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case e.chunks <- chunkMsg{stream: stream, err: err}:
				case <-e.stopSignal:
				}
			}
			return
		}
	}
}

// readPty streams the PTY master into the event loop. The master
// returns an error once the child exits (EIO on Linux), which is end
// of output rather than an I/O failure.
func (e *Engine) readPty(f *os.File, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = f.Close() }()

	buf := make([]byte, 4096)
	for {
		select {
		case <-e.stopSignal:
			return
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case e.chunks <- chunkMsg{stream: "stdout", data: data}:
			case <-e.stopSignal:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// waitProcess waits for both readers to drain, then reaps the process
// and delivers the exit to the loop. It is the sole final-exit
// authority; the loop turns the result into the terminal transition.
func (e *Engine) waitProcess(readers *sync.WaitGroup) {
	readers.Wait()
	err := e.cmd.Wait()
	e.exited <- exitMsg{err: err}
}

func extractExitCode(exitErr *exec.ExitError) int {
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal())
	}
	return waitStatus.ExitStatus()
}

// sanitizeInput strips control characters and surrounding whitespace.
func sanitizeInput(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(cleaned)
}

func (e *Engine) publishState() {
	info := e.job.Info()
	data := map[string]interface{}{
		"job_id": info.ID,
		"state":  string(info.State),
	}
	if info.ExitCode != nil {
		data["exit_code"] = *info.ExitCode
	}
	if info.Reason != "" {
		data["reason"] = info.Reason
	}
	evt := bus.NewEvent(events.JobStateChanged, "engine", data)
	if err := e.bus.Publish(context.Background(), events.SubjectJobState(info.ID), evt); err != nil {
		e.logger.WithError(err).Warn("failed to publish state event")
	}
}

func (e *Engine) publishLine(line OutputLine) {
	evt := bus.NewEvent(events.JobOutput, "engine", map[string]interface{}{
		"job_id": e.job.ID(),
		"text":   line.Text,
		"tag":    string(line.Tag),
		"stream": line.Stream,
	})
	if err := e.bus.Publish(context.Background(), events.SubjectJobOutput(e.job.ID()), evt); err != nil {
		e.logger.WithError(err).Warn("failed to publish output event")
	}
}

func (e *Engine) publishPrompt(text string) {
	evt := bus.NewEvent(events.JobPromptDetected, "engine", map[string]interface{}{
		"job_id": e.job.ID(),
		"text":   text,
	})
	if err := e.bus.Publish(context.Background(), events.SubjectJobPrompt(e.job.ID()), evt); err != nil {
		e.logger.WithError(err).Warn("failed to publish prompt event")
	}
}

func (e *Engine) publishWarning(now time.Time) {
	evt := bus.NewEvent(events.JobWarning, "engine", map[string]interface{}{
		"job_id":        e.job.ID(),
		"warning_count": e.dog.WarningCount(),
		"idle_seconds":  int(e.dog.IdleSince(now).Seconds()),
	})
	if err := e.bus.Publish(context.Background(), events.SubjectJobWarning(e.job.ID()), evt); err != nil {
		e.logger.WithError(err).Warn("failed to publish warning event")
	}
}
