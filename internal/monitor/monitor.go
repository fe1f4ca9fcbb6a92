// Package monitor runs the observation loop: snapshot the cluster on a
// fixed interval, feed the detector, hand emitted issues to the scheduler,
// and publish a heartbeat status for the API and stream consumers.
//
// Responsibilities:
//   - One ticker loop per process, started and stopped through the API
//   - Tolerate adapter failures: warn and skip, report adapter_unavailable
//     after two consecutive misses, recover silently on the next success
//   - Keep the latest snapshot and heartbeat for synchronous reads
//
// Integration points:
//   - internal/cluster: Snapshot on every tick
//   - internal/detect: classification and debounce windows
//   - internal/scheduler: emitted and requeued issues
//   - internal/server: Start/Stop/Latest/LatestSnapshot
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/audit"
	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/metrics"
)

// Heartbeat status levels, ordered from calm to loud.
const (
	StatusHealthy            = "healthy"
	StatusIssuesDetected     = "issues_detected"
	StatusHighIssues         = "high_issues"
	StatusCriticalIssues     = "critical_issues"
	StatusAdapterUnavailable = "adapter_unavailable"
)

var (
	ErrAlreadyRunning = errors.New("monitoring already running")
	ErrNotRunning     = errors.New("monitoring not running")
)

// adapterFailureThreshold is how many consecutive snapshot failures flip the
// heartbeat to adapter_unavailable.
const adapterFailureThreshold = 2

// Status is the heartbeat published on the status topic after every check.
type Status struct {
	Timestamp           time.Time `json:"timestamp"`
	Monitoring          bool      `json:"monitoring"`
	Status              string    `json:"status"`
	NodesReady          int       `json:"nodes_ready"`
	NodesTotal          int       `json:"nodes_total"`
	PodsRunning         int       `json:"pods_running"`
	PodsTotal           int       `json:"pods_total"`
	PodsPending         int       `json:"pods_pending"`
	IssuesCount         int       `json:"issues_count"`
	LastInvestigationID string    `json:"last_investigation_id,omitempty"`
}

// Dispatcher is the scheduler surface the monitor needs.
type Dispatcher interface {
	SubmitIssues(issues []detect.Issue)
	LastID() string
}

// Monitor owns the check loop and the latest observed state.
type Monitor struct {
	cfg      config.MonitorConfig
	cluster  cluster.Adapter
	detector *detect.Detector
	sched    Dispatcher
	events   *bus.Bus
	auditLog audit.Store
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	consecFails  int
	lastStatus   Status
	lastSnapshot *cluster.Snapshot
}

func New(cfg config.MonitorConfig, adapter cluster.Adapter, detector *detect.Detector, sched Dispatcher, events *bus.Bus, auditLog audit.Store, m *metrics.Metrics, clock clockwork.Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckInterval < 5*time.Second {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		cluster:  adapter,
		detector: detector,
		sched:    sched,
		events:   events,
		auditLog: auditLog,
		metrics:  m,
		clock:    clock,
		logger:   logger.Named("monitor"),
	}
}

// Start launches the check loop. The first check runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.auditEvent(audit.EventMonitorStarted, "monitoring loop started", "", "")
	m.logger.Info("monitoring started", zap.Duration("interval", m.cfg.CheckInterval))
	go m.loop(loopCtx, done)
	return nil
}

// Stop halts the loop and waits for the in-flight check to finish.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.lastStatus.Monitoring = false
	m.mu.Unlock()

	m.auditEvent(audit.EventMonitorStopped, "monitoring loop stopped", "", "")
	m.logger.Info("monitoring stopped")
	return nil
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Latest returns the most recent heartbeat. Before the first check it is a
// zero Status with Monitoring reflecting the loop state.
func (m *Monitor) Latest() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.lastStatus
	st.Monitoring = m.running
	return st
}

// LatestSnapshot returns a copy of the last successful snapshot, or nil
// before the first one.
func (m *Monitor) LatestSnapshot() *cluster.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSnapshot == nil {
		return nil
	}
	return m.lastSnapshot.Clone()
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := m.clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	start := m.clock.Now()
	snapCtx, cancel := context.WithTimeout(ctx, m.cfg.AdapterTimeout)
	snap, err := m.cluster.Snapshot(snapCtx)
	cancel()

	if m.metrics != nil {
		m.metrics.SnapshotsTotal.Inc()
		m.metrics.SnapshotDuration.Observe(m.clock.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return // shutting down, not an adapter fault
		}
		if m.metrics != nil {
			m.metrics.SnapshotFailuresTotal.Inc()
		}
		m.mu.Lock()
		m.consecFails++
		fails := m.consecFails
		m.mu.Unlock()
		m.logger.Warn("cluster snapshot failed",
			zap.Int("consecutive_failures", fails), zap.Error(err))
		if fails >= adapterFailureThreshold {
			m.publishStatus(Status{
				Timestamp:           m.clock.Now().UTC(),
				Monitoring:          true,
				Status:              StatusAdapterUnavailable,
				LastInvestigationID: m.lastDispatched(),
			})
		}
		return
	}

	m.mu.Lock()
	m.consecFails = 0
	m.lastSnapshot = snap
	m.mu.Unlock()

	classified, emitted := m.detector.Process(snap)
	if m.metrics != nil {
		for _, iss := range classified {
			m.metrics.IssuesDetectedTotal.WithLabelValues(string(iss.Kind), string(iss.Severity)).Inc()
		}
	}
	for _, iss := range emitted {
		m.recordIssue(iss)
	}
	if m.sched != nil {
		if len(emitted) > 0 {
			m.sched.SubmitIssues(emitted)
		}
		if requeued := m.detector.Tracker().TakeRequeued(); len(requeued) > 0 {
			m.logger.Info("requeued fingerprints resubmitted", zap.Int("count", len(requeued)))
			m.sched.SubmitIssues(requeued)
		}
	}

	m.publishStatus(m.deriveStatus(snap, classified))
}

func (m *Monitor) deriveStatus(snap *cluster.Snapshot, classified []detect.Issue) Status {
	nodesReady, nodesTotal := snap.NodeCounts()
	running, pending, _, total := snap.PodCounts()

	level := StatusHealthy
	maxRank := 0
	for _, iss := range classified {
		if r := iss.Severity.Rank(); r > maxRank {
			maxRank = r
		}
	}
	switch {
	case maxRank >= detect.SeverityCritical.Rank():
		level = StatusCriticalIssues
	case maxRank >= detect.SeverityHigh.Rank():
		level = StatusHighIssues
	case maxRank > 0:
		level = StatusIssuesDetected
	}

	return Status{
		Timestamp:           m.clock.Now().UTC(),
		Monitoring:          true,
		Status:              level,
		NodesReady:          nodesReady,
		NodesTotal:          nodesTotal,
		PodsRunning:         running,
		PodsTotal:           total,
		PodsPending:         pending,
		IssuesCount:         len(classified),
		LastInvestigationID: m.lastDispatched(),
	}
}

func (m *Monitor) publishStatus(st Status) {
	m.mu.Lock()
	m.lastStatus = st
	m.mu.Unlock()
	if m.events != nil {
		m.events.Publish(bus.TopicStatus, st)
	}
}

func (m *Monitor) lastDispatched() string {
	if m.sched == nil {
		return ""
	}
	return m.sched.LastID()
}

func (m *Monitor) recordIssue(iss detect.Issue) {
	meta, _ := json.Marshal(map[string]string{
		"kind":     string(iss.Kind),
		"severity": string(iss.Severity),
		"reason":   iss.Reason,
	})
	m.auditEventRecord(&audit.Record{
		EventType:   audit.EventIssueDetected,
		Description: string(iss.Kind) + " on " + iss.Target.Kind + " " + iss.Target.Namespace + "/" + iss.Target.Name,
		Resource:    iss.Fingerprint,
		Metadata:    string(meta),
		Timestamp:   m.clock.Now(),
	})
}

func (m *Monitor) auditEvent(eventType, description, resource, result string) {
	m.auditEventRecord(&audit.Record{
		EventType:   eventType,
		Description: description,
		Resource:    resource,
		Result:      result,
		Timestamp:   m.clock.Now(),
	})
}

func (m *Monitor) auditEventRecord(rec *audit.Record) {
	if m.auditLog == nil {
		return
	}
	if err := m.auditLog.Append(context.Background(), rec); err != nil {
		m.logger.Warn("appending audit event", zap.String("event", rec.EventType), zap.Error(err))
	}
}
