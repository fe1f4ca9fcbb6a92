package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/config"
)

var (
	ErrNotFound = errors.New("report not found")
	ErrSealed   = errors.New("report already sealed")
)

// Store keeps up to archiveSize reports in memory and persists every sealed
// report as JSON plus a text projection. Create and Seal publish created and
// sealed notifications on the reports topic.
type Store struct {
	mu          sync.RWMutex
	fsys        afero.Fs
	dir         string
	archiveSize int
	clock       clockwork.Clock
	logger      *zap.Logger
	events      *bus.Bus

	// OnEvict, when set, is invoked once per report evicted from the
	// archive. Set before any Create call; typically wired to the audit
	// trail.
	OnEvict func(id string)

	// OnSize, when set, is invoked with the archive population after each
	// change; typically wired to a gauge.
	OnSize func(size int)

	reports map[string]*Report
	order   []string
	counter uint64
}

func NewStore(fsys afero.Fs, cfg config.ReportsConfig, events *bus.Bus, clock clockwork.Clock, logger *zap.Logger) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.ArchiveSize
	if size <= 0 {
		size = 500
	}
	if err := fsys.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports dir: %w", err)
	}
	return &Store{
		fsys:        fsys,
		dir:         cfg.Dir,
		archiveSize: size,
		clock:       clock,
		logger:      logger.Named("reports"),
		events:      events,
		reports:     make(map[string]*Report),
	}, nil
}

// NewID allocates a report id: mode prefix, per-process sequence, and a
// short random suffix so ids stay unique across restarts.
func (s *Store) NewID(mode Mode) string {
	s.mu.Lock()
	s.counter++
	n := s.counter
	s.mu.Unlock()

	prefix := "det"
	if mode == ModeAgentic {
		prefix = "agt"
	}
	return fmt.Sprintf("%s_%06d_%s", prefix, n, uuid.NewString()[:8])
}

// Create registers a new in-progress report.
func (s *Store) Create(r *Report) error {
	if r == nil || r.ID == "" {
		return errors.New("report id is required")
	}
	s.mu.Lock()
	if _, exists := s.reports[r.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("report %s already exists", r.ID)
	}
	stored := r.Clone()
	if stored.Status == "" {
		stored.Status = StatusInProgress
	}
	s.reports[r.ID] = stored
	s.order = append(s.order, r.ID)
	evicted := s.evictLocked()
	size := len(s.reports)
	notify := stored.Clone()
	s.mu.Unlock()

	if s.OnEvict != nil {
		for _, id := range evicted {
			s.OnEvict(id)
		}
	}
	if s.OnSize != nil {
		s.OnSize(size)
	}
	s.publish("created", notify)
	return nil
}

// Seal transitions a report to a terminal status, adopting the content of
// final, and persists it. A second Seal on the same id is a no-op that
// returns the original terminal status.
func (s *Store) Seal(id string, terminal Status, final *Report) (Status, error) {
	if !terminal.Terminal() {
		return "", fmt.Errorf("status %q is not terminal", terminal)
	}

	s.mu.Lock()
	rep, ok := s.reports[id]
	if !ok {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	if rep.Status.Terminal() {
		status := rep.Status
		s.mu.Unlock()
		return status, nil
	}

	if final != nil {
		content := final.Clone()
		rep.ClusterSummary = content.ClusterSummary
		rep.Findings = content.Findings
		rep.ExecutiveSummary = content.ExecutiveSummary
		rep.Recommendations = content.Recommendations
		rep.Steps = content.Steps
		rep.Error = content.Error
	}
	now := s.clock.Now()
	rep.Status = terminal
	rep.FinishedAt = &now
	rep.DurationMs = now.Sub(rep.StartedAt).Milliseconds()

	base := fmt.Sprintf("%s_%s_%s", rep.Mode, now.UTC().Format("20060102_150405"), rep.ID)
	rep.File = base + ".txt"
	persisted := rep.Clone()
	s.mu.Unlock()

	err := s.persist(base, persisted)
	s.publish("sealed", persisted)
	return terminal, err
}

// Get returns a copy of the report.
func (s *Store) Get(id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rep.Clone(), nil
}

// List returns copies, newest first. A nil filter matches everything;
// limit <= 0 means no limit.
func (s *Store) List(limit int, filter func(*Report) bool) []*Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Report, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rep := s.reports[s.order[i]]
		if rep == nil || (filter != nil && !filter(rep)) {
			continue
		}
		out = append(out, rep.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ReadFile returns a persisted artifact by bare filename. Path traversal is
// rejected; only report artifacts are reachable.
func (s *Store) ReadFile(filename string) ([]byte, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		return nil, ErrNotFound
	}
	if !strings.HasSuffix(filename, ".txt") && !strings.HasSuffix(filename, ".json") {
		return nil, ErrNotFound
	}
	data, err := afero.ReadFile(s.fsys, filepath.Join(s.dir, filename))
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *Store) persist(base string, rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", rep.ID, err)
	}
	if err := s.writeAtomic(base+".json", data); err != nil {
		return err
	}
	return s.writeAtomic(base+".txt", []byte(RenderText(rep)))
}

func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fsys, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := s.fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// evictLocked drops the oldest sealed reports until the archive fits and
// returns their ids. Reports still in progress are never evicted, even
// over capacity.
func (s *Store) evictLocked() []string {
	var out []string
	for len(s.reports) > s.archiveSize {
		evicted := false
		for i, id := range s.order {
			rep := s.reports[id]
			if rep == nil || !rep.Status.Terminal() {
				continue
			}
			delete(s.reports, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.logger.Info("report evicted from archive",
				zap.String("report_id", id),
				zap.Int("archive_size", s.archiveSize))
			out = append(out, id)
			evicted = true
			break
		}
		if !evicted {
			s.logger.Warn("archive over capacity with only in-progress reports",
				zap.Int("reports", len(s.reports)))
			return out
		}
	}
	return out
}

func (s *Store) publish(event string, rep *Report) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.TopicReports, Notification{Event: event, Report: rep})
}
