package detect

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/config"
)

// maxCooldownFactor caps repeated cooldown doubling for rate-limited
// fingerprints at 8x the configured cooldown.
const maxCooldownFactor = 8

// Window is the externally visible detection state for one fingerprint.
type Window struct {
	Fingerprint          string    `json:"fingerprint"`
	Kind                 Kind      `json:"kind"`
	Severity             Severity  `json:"severity"`
	Target               Target    `json:"target"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
	ConsecutiveSnapshots int       `json:"consecutive_snapshots"`
	CooldownUntil        time.Time `json:"cooldown_until,omitempty"`
	ActiveInvestigation  string    `json:"active_investigation,omitempty"`
	Requeue              bool      `json:"requeue,omitempty"`
}

type windowState struct {
	Window
	lastIssue       Issue
	cooldownFactor  int
	emittedSeverity Severity
}

// Tracker keeps one Window per fingerprint and decides which classified
// issues are actually emitted. The detector writes through Update; the
// scheduler writes through MarkInvestigating/CompleteInvestigation.
type Tracker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	debounceK int
	cooldown  time.Duration
	windows   map[string]*windowState
}

func NewTracker(cfg config.MonitorConfig, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	k := cfg.DebounceK
	if k <= 0 {
		k = 2
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Tracker{
		clock:     clock,
		debounceK: k,
		cooldown:  cooldown,
		windows:   make(map[string]*windowState),
	}
}

// Update folds one snapshot's classified issues into the windows and returns
// the subset that should reach the scheduler: critical issues immediately,
// everything else after debounceK consecutive snapshots, and nothing during
// an active cooldown unless severity rose.
func (t *Tracker) Update(cur *cluster.Snapshot, issues []Issue) []Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()

	inBatch := map[string]bool{}
	var emitted []Issue

	for _, iss := range issues {
		inBatch[iss.Fingerprint] = true
		w := t.ensure(iss.Fingerprint, now)

		switch {
		case iss.regressed:
			w.ConsecutiveSnapshots = 1
		case w.ConsecutiveSnapshots == 0:
			w.ConsecutiveSnapshots = 1
			w.FirstSeen = now
		default:
			w.ConsecutiveSnapshots++
		}
		w.Kind = iss.Kind
		w.Severity = iss.Severity
		w.Target = iss.Target
		w.LastSeen = now
		w.lastIssue = iss

		if w.ActiveInvestigation != "" {
			w.Requeue = true
			continue
		}
		risen := iss.Severity.Rank() > w.emittedSeverity.Rank()
		if now.Before(w.CooldownUntil) && !risen {
			continue
		}
		if iss.Severity == SeverityCritical || w.ConsecutiveSnapshots >= t.debounceK {
			out := iss
			out.FirstSeen = w.FirstSeen
			out.LastSeen = w.LastSeen
			emitted = append(emitted, out)
			w.emittedSeverity = iss.Severity
			w.CooldownUntil = now.Add(t.cooldownFor(w))
		}
	}

	for fp, w := range t.windows {
		if inBatch[fp] {
			continue
		}
		if targetGone(cur, w.Target) {
			delete(t.windows, fp)
			continue
		}
		w.ConsecutiveSnapshots = 0
	}
	return emitted
}

// MarkInvestigating records the running investigation for a fingerprint,
// creating the window when the fingerprint came from a manual request.
func (t *Tracker) MarkInvestigating(fingerprint, investigationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.ensure(fingerprint, t.clock.Now())
	w.ActiveInvestigation = investigationID
	w.Requeue = false
}

// CompleteInvestigation clears the running marker and starts the
// post-investigation cooldown. escalate doubles the fingerprint's cooldown
// (rate-limited LLM); a non-escalated completion resets the factor.
func (t *Tracker) CompleteInvestigation(fingerprint string, escalate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[fingerprint]
	if !ok {
		return
	}
	w.ActiveInvestigation = ""
	if escalate {
		w.cooldownFactor *= 2
		if w.cooldownFactor > maxCooldownFactor {
			w.cooldownFactor = maxCooldownFactor
		}
	} else {
		w.cooldownFactor = 1
	}
	w.CooldownUntil = t.clock.Now().Add(t.cooldownFor(w))
}

// TakeRequeued returns issues whose fingerprints asked for another round
// while an investigation was running and whose cooldown has since elapsed.
func (t *Tracker) TakeRequeued() []Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()

	var out []Issue
	for _, w := range t.windows {
		if !w.Requeue || w.ActiveInvestigation != "" || now.Before(w.CooldownUntil) {
			continue
		}
		w.Requeue = false
		w.CooldownUntil = now.Add(t.cooldownFor(w))
		iss := w.lastIssue
		iss.FirstSeen = w.FirstSeen
		iss.LastSeen = w.LastSeen
		out = append(out, iss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// Snapshot returns a copy of all windows ordered by first appearance.
func (t *Tracker) Snapshot() []Window {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Window, 0, len(t.windows))
	for _, w := range t.windows {
		out = append(out, w.Window)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func (t *Tracker) ensure(fingerprint string, now time.Time) *windowState {
	w, ok := t.windows[fingerprint]
	if !ok {
		w = &windowState{
			Window:         Window{Fingerprint: fingerprint, FirstSeen: now},
			cooldownFactor: 1,
		}
		t.windows[fingerprint] = w
	}
	return w
}

func (t *Tracker) cooldownFor(w *windowState) time.Duration {
	factor := w.cooldownFactor
	if factor < 1 {
		factor = 1
	}
	return t.cooldown * time.Duration(factor)
}

// targetGone reports whether the window's object vanished from the snapshot;
// a vanished pod or node takes its window with it.
func targetGone(cur *cluster.Snapshot, target Target) bool {
	if cur == nil {
		return false
	}
	switch target.Kind {
	case "Pod":
		return cur.FindPod(target.Namespace, target.Name) == nil
	case "Node":
		for _, n := range cur.Nodes {
			if n.Name == target.Name {
				return false
			}
		}
		return true
	default:
		return false
	}
}
