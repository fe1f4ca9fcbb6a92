// Package scheduler owns the investigation lifecycle: queueing detected
// issues and manual requests, enforcing concurrency limits, running the
// engines with timeout and cancellation, and sealing the resulting reports.
//
// Responsibilities:
//   - Hold the pending queues (manual FIFO ahead of auto by severity)
//   - Enforce the global concurrency cap and one-run-per-fingerprint rule
//   - Pick the engine for auto requests (agentic only when the corpus has a
//     match and the LLM is enabled)
//   - Watch each investigation deadline, apply the grace period, recover panics
//   - Seal reports, update the issue tracker cooldown, and record audit and
//     metric events
//
// Integration points:
//   - internal/monitor submits issue batches and requeued fingerprints
//   - internal/server submits manual requests and cancellations
//   - internal/investigate provides the engines
//   - internal/report stores and seals the reports
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/audit"
	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/investigate"
	"github.com/kubeinquest/kubeinquest/internal/knowledge"
	"github.com/kubeinquest/kubeinquest/internal/llm"
	"github.com/kubeinquest/kubeinquest/internal/metrics"
	"github.com/kubeinquest/kubeinquest/internal/report"
)

// ErrSafeMode rejects agentic requests while the LLM adapter is disabled.
var ErrSafeMode = errors.New("agentic investigations are disabled in safe mode")

// ManualRequest is an operator-initiated investigation.
type ManualRequest struct {
	Mode        report.Mode
	Namespace   string
	Fingerprint string
	Timeout     time.Duration
}

// Deps collects the scheduler's collaborators.
type Deps struct {
	Deterministic investigate.Investigator
	Agentic       investigate.Investigator
	Store         *report.Store
	Tracker       *detect.Tracker
	Knowledge     *knowledge.Index
	Audit         audit.Store
	Metrics       *metrics.Metrics
	Events        *bus.Bus
	Clock         clockwork.Clock
	Logger        *zap.Logger
	SafeMode      bool
}

type job struct {
	id        string
	mode      report.Mode
	manual    bool
	namespace string
	issue     *detect.Issue
	timeout   time.Duration
	enqueued  time.Time
	started   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (j *job) fingerprint() string {
	if j.issue != nil {
		return j.issue.Fingerprint
	}
	return ""
}

type runResult struct {
	rep      *report.Report
	err      error
	panicked string
}

// Scheduler dispatches investigations under the configured limits.
type Scheduler struct {
	deps          Deps
	maxConcurrent int
	timeout       time.Duration
	grace         time.Duration
	clock         clockwork.Clock
	logger        *zap.Logger

	mu            sync.Mutex
	pendingManual []*job
	pendingAuto   map[string]*job // by fingerprint
	running       map[string]*job // by report id
	runningFP     map[string]string
	lastID        string

	kickCh   chan struct{}
	rootCtx  context.Context
	stopRoot context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
}

// New builds a scheduler from the monitor configuration.
func New(cfg config.MonitorConfig, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		deps:          deps,
		maxConcurrent: cfg.MaxConcurrentInvestigations,
		timeout:       cfg.InvestigationTimeout,
		grace:         cfg.GracePeriod,
		clock:         clock,
		logger:        logger,
		pendingAuto:   map[string]*job{},
		running:       map[string]*job{},
		runningFP:     map[string]string{},
		kickCh:        make(chan struct{}, 1),
	}
	if s.maxConcurrent <= 0 {
		s.maxConcurrent = 2
	}
	if s.timeout <= 0 {
		s.timeout = 120 * time.Second
	}
	if s.grace <= 0 {
		s.grace = 2 * time.Second
	}
	return s
}

// Start launches the dispatch loop. It returns an error when already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.rootCtx, s.stopRoot = context.WithCancel(ctx)
	s.loopDone = make(chan struct{})
	go s.loop()
	return nil
}

// Stop cancels all running investigations and waits for them to seal.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return
	}
	s.stopRoot()
	<-s.loopDone
	s.wg.Wait()
	s.started = false
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-s.kickCh:
			s.dispatch()
		}
	}
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// SubmitIssues queues debounced issues for automatic investigation. Issues
// for a fingerprint already pending replace the queued entry.
func (s *Scheduler) SubmitIssues(issues []detect.Issue) {
	if len(issues) == 0 {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	for i := range issues {
		iss := issues[i]
		fp := iss.Fingerprint
		if fp == "" {
			continue
		}
		if _, active := s.runningFP[fp]; active {
			continue
		}
		if existing, ok := s.pendingAuto[fp]; ok {
			existing.issue = &iss
			continue
		}
		s.pendingAuto[fp] = &job{
			mode:      report.ModeDeterministic, // decided for real at dispatch
			namespace: iss.Target.Namespace,
			issue:     &iss,
			timeout:   s.timeout,
			enqueued:  now,
		}
	}
	s.mu.Unlock()
	s.kick()
}

// SubmitManual queues an operator-requested investigation and returns the
// report id. Manual requests bypass debouncing but wait for a free slot.
func (s *Scheduler) SubmitManual(req ManualRequest) (string, error) {
	if req.Mode == report.ModeAgentic && (s.deps.SafeMode || s.deps.Agentic == nil) {
		return "", ErrSafeMode
	}
	if req.Mode != report.ModeDeterministic && req.Mode != report.ModeAgentic {
		return "", fmt.Errorf("unknown investigation mode %q", req.Mode)
	}

	j := &job{
		id:        s.deps.Store.NewID(req.Mode),
		mode:      req.Mode,
		manual:    true,
		namespace: req.Namespace,
		issue:     s.issueForFingerprint(req.Fingerprint),
		timeout:   s.timeout,
		enqueued:  s.clock.Now(),
	}
	if req.Timeout > 0 {
		j.timeout = req.Timeout
	}

	if err := s.deps.Store.Create(&report.Report{
		ID:                     j.id,
		Mode:                   j.mode,
		Status:                 report.StatusInProgress,
		Namespace:              j.namespace,
		TriggeringFingerprints: fingerprintList(j),
		StartedAt:              s.clock.Now().UTC(),
	}); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pendingManual = append(s.pendingManual, j)
	s.mu.Unlock()

	s.auditEvent(&audit.Record{
		CorrelationID: j.id,
		EventType:     audit.EventInvestigationQueued,
		Description:   "manual investigation queued",
		Resource:      j.fingerprint(),
		Timestamp:     s.clock.Now(),
	})
	s.kick()
	return j.id, nil
}

// Cancel stops a running or pending investigation. Cancelling an already
// sealed report is a no-op; unknown ids return report.ErrNotFound.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	if j, ok := s.running[id]; ok {
		cancel := j.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel(investigate.ErrCancelled)
		}
		s.auditEvent(&audit.Record{
			CorrelationID: id,
			EventType:     audit.EventInvestigationCancelled,
			Description:   "cancellation requested",
			Timestamp:     s.clock.Now(),
		})
		return nil
	}
	for i, j := range s.pendingManual {
		if j.id != id {
			continue
		}
		s.pendingManual = append(s.pendingManual[:i], s.pendingManual[i+1:]...)
		s.mu.Unlock()
		stored, err := s.deps.Store.Get(id)
		if err != nil {
			return err
		}
		stored.Error = "cancelled before dispatch"
		if _, err := s.deps.Store.Seal(id, report.StatusCancelled, stored); err != nil {
			s.logger.Warn("sealing cancelled pending investigation", zap.String("id", id), zap.Error(err))
		}
		s.auditEvent(&audit.Record{
			CorrelationID: id,
			EventType:     audit.EventInvestigationCancelled,
			Description:   "cancelled while pending",
			Timestamp:     s.clock.Now(),
		})
		return nil
	}
	s.mu.Unlock()

	// Sealed reports are known but final; cancellation is a no-op.
	if _, err := s.deps.Store.Get(id); err != nil {
		return err
	}
	return nil
}

// Running reports how many investigations are currently executing.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// LastID returns the most recently dispatched investigation id.
func (s *Scheduler) LastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if len(s.running) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		j := s.nextLocked()
		if j == nil {
			s.mu.Unlock()
			return
		}
		if !j.manual {
			j.mode = s.modeForIssue(j.issue)
			j.id = s.deps.Store.NewID(j.mode)
		}
		j.started = s.clock.Now()
		j.ctx, j.cancel = context.WithCancelCause(s.rootCtx)
		s.running[j.id] = j
		if fp := j.fingerprint(); fp != "" {
			s.runningFP[fp] = j.id
		}
		s.lastID = j.id
		s.mu.Unlock()

		if !j.manual {
			if err := s.deps.Store.Create(&report.Report{
				ID:                     j.id,
				Mode:                   j.mode,
				Status:                 report.StatusInProgress,
				Namespace:              j.namespace,
				TriggeringFingerprints: fingerprintList(j),
				StartedAt:              s.clock.Now().UTC(),
			}); err != nil {
				s.logger.Error("creating report for dispatch", zap.String("id", j.id), zap.Error(err))
			}
		}
		if fp := j.fingerprint(); fp != "" && s.deps.Tracker != nil {
			s.deps.Tracker.MarkInvestigating(fp, j.id)
		}

		s.wg.Add(1)
		go s.runJob(j)
	}
}

// nextLocked pops the next dispatchable job: manual FIFO first, then the
// pending issue with the highest severity (ties broken by earliest
// firstSeen). Callers hold s.mu.
func (s *Scheduler) nextLocked() *job {
	if len(s.pendingManual) > 0 {
		j := s.pendingManual[0]
		s.pendingManual = s.pendingManual[1:]
		return j
	}
	var bestFP string
	var best *job
	for fp, j := range s.pendingAuto {
		if _, active := s.runningFP[fp]; active {
			continue
		}
		if best == nil || autoLess(best, j) {
			best, bestFP = j, fp
		}
	}
	if best == nil {
		return nil
	}
	delete(s.pendingAuto, bestFP)
	return best
}

// autoLess reports whether candidate should be picked over current.
func autoLess(current, candidate *job) bool {
	cr, xr := current.issue.Severity.Rank(), candidate.issue.Severity.Rank()
	if cr != xr {
		return xr > cr
	}
	if !current.issue.FirstSeen.Equal(candidate.issue.FirstSeen) {
		return candidate.issue.FirstSeen.Before(current.issue.FirstSeen)
	}
	return candidate.issue.Fingerprint < current.issue.Fingerprint
}

// modeForIssue picks the engine for auto dispatch: agentic only when the
// LLM is enabled and the corpus has something to say about the issue kind.
func (s *Scheduler) modeForIssue(iss *detect.Issue) report.Mode {
	if s.deps.SafeMode || s.deps.Agentic == nil {
		return report.ModeDeterministic
	}
	if s.deps.Knowledge == nil || iss == nil {
		return report.ModeDeterministic
	}
	if len(s.deps.Knowledge.Query(string(iss.Kind))) == 0 {
		return report.ModeDeterministic
	}
	return report.ModeAgentic
}

func (s *Scheduler) investigator(mode report.Mode) investigate.Investigator {
	if mode == report.ModeAgentic && s.deps.Agentic != nil {
		return s.deps.Agentic
	}
	return s.deps.Deterministic
}

func (s *Scheduler) runJob(j *job) {
	defer s.wg.Done()
	defer func() {
		if j.cancel != nil {
			j.cancel(nil)
		}
	}()

	s.publishLog("info", j.id, "investigation started", map[string]interface{}{
		"mode":        string(j.mode),
		"namespace":   j.namespace,
		"fingerprint": j.fingerprint(),
	})
	s.auditEvent(&audit.Record{
		CorrelationID: j.id,
		EventType:     audit.EventInvestigationStarted,
		Description:   fmt.Sprintf("%s investigation started", j.mode),
		Resource:      j.fingerprint(),
		Timestamp:     s.clock.Now(),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.InvestigationsRunning.Inc()
	}

	// Deadline watchdog.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-s.clock.After(j.timeout):
			j.cancel(investigate.ErrTimedOut)
		case <-watchdogDone:
		}
	}()
	defer close(watchdogDone)

	resultCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runResult{panicked: fmt.Sprintf("%v", r)}
			}
		}()
		rep, err := s.investigator(j.mode).Run(j.ctx, investigate.Request{
			ID:           j.id,
			Namespace:    j.namespace,
			Issue:        j.issue,
			Fingerprints: fingerprintList(j),
		})
		resultCh <- runResult{rep: rep, err: err}
	}()

	var res runResult
	select {
	case res = <-resultCh:
	case <-j.ctx.Done():
		// Grace period for the engine to hand back its partial report.
		select {
		case res = <-resultCh:
		case <-s.clock.After(s.grace):
			res = runResult{}
		}
	}
	s.seal(j, res)
}

func (s *Scheduler) seal(j *job, res runResult) {
	rep := res.rep
	var status report.Status
	switch {
	case res.panicked != "":
		status = report.StatusFailed
		rep = &report.Report{
			ID:                     j.id,
			Mode:                   j.mode,
			Status:                 status,
			Namespace:              j.namespace,
			TriggeringFingerprints: fingerprintList(j),
			StartedAt:              j.started.UTC(),
			Error:                  "investigation panicked: " + res.panicked,
		}
		s.logger.Error("investigation panicked",
			zap.String("id", j.id), zap.String("panic", res.panicked))
	case rep == nil:
		// The engine did not return within the grace period.
		status = s.statusForContext(j.ctx)
		stored, err := s.deps.Store.Get(j.id)
		if err != nil {
			stored = &report.Report{ID: j.id, Mode: j.mode, StartedAt: j.started.UTC()}
		}
		stored.Error = "investigation did not return before the grace period"
		rep = stored
	default:
		status = rep.Status
		if !status.Terminal() {
			status = report.StatusFailed
		}
	}

	finalStatus, err := s.deps.Store.Seal(j.id, status, rep)
	if err != nil {
		s.logger.Error("sealing report", zap.String("id", j.id), zap.Error(err))
	}

	escalate := errors.Is(res.err, llm.ErrRateLimited)
	if fp := j.fingerprint(); fp != "" && s.deps.Tracker != nil {
		s.deps.Tracker.CompleteInvestigation(fp, escalate)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.InvestigationsRunning.Dec()
		s.deps.Metrics.InvestigationsTotal.WithLabelValues(string(j.mode), string(finalStatus)).Inc()
		s.deps.Metrics.InvestigationDuration.WithLabelValues(string(j.mode)).
			Observe(s.clock.Since(j.started).Seconds())
	}
	s.auditEvent(&audit.Record{
		CorrelationID: j.id,
		EventType:     audit.EventInvestigationSealed,
		Description:   fmt.Sprintf("%s investigation sealed", j.mode),
		Resource:      j.fingerprint(),
		Result:        string(finalStatus),
		Timestamp:     s.clock.Now(),
	})

	level := "info"
	detail := map[string]interface{}{
		"mode":        string(j.mode),
		"status":      string(finalStatus),
		"duration_ms": s.clock.Since(j.started).Milliseconds(),
	}
	if finalStatus == report.StatusFailed {
		level = "error"
		if rep.Error != "" {
			detail["error"] = rep.Error
		}
	}
	s.publishLog(level, j.id, "investigation finished", detail)

	s.mu.Lock()
	delete(s.running, j.id)
	if fp := j.fingerprint(); fp != "" && s.runningFP[fp] == j.id {
		delete(s.runningFP, fp)
	}
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) statusForContext(ctx context.Context) report.Status {
	cause := context.Cause(ctx)
	if errors.Is(cause, investigate.ErrTimedOut) || errors.Is(cause, context.DeadlineExceeded) {
		return report.StatusTimedOut
	}
	return report.StatusCancelled
}

// issueForFingerprint reconstructs a minimal issue from the tracker window
// so manual requests carry target context.
func (s *Scheduler) issueForFingerprint(fp string) *detect.Issue {
	if fp == "" || s.deps.Tracker == nil {
		return nil
	}
	for _, w := range s.deps.Tracker.Snapshot() {
		if w.Fingerprint == fp {
			return &detect.Issue{
				Kind:        w.Kind,
				Severity:    w.Severity,
				Target:      w.Target,
				Reason:      string(w.Kind),
				Fingerprint: fp,
				FirstSeen:   w.FirstSeen,
				LastSeen:    w.LastSeen,
			}
		}
	}
	return &detect.Issue{Fingerprint: fp}
}

func fingerprintList(j *job) []string {
	if fp := j.fingerprint(); fp != "" {
		return []string{fp}
	}
	return nil
}

func (s *Scheduler) publishLog(level, id, message string, detail map[string]interface{}) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(bus.TopicLogs, bus.LogEvent{
		Timestamp: s.clock.Now().UTC(),
		SourceID:  id,
		Level:     level,
		Message:   message,
		Detail:    detail,
	})
}

func (s *Scheduler) auditEvent(rec *audit.Record) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Append(context.Background(), rec); err != nil {
		s.logger.Warn("appending audit event", zap.String("event", rec.EventType), zap.Error(err))
	}
}
