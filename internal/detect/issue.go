// Package detect classifies cluster snapshots into typed issues and tracks
// per-fingerprint detection windows.
//
// Responsibilities:
//   - Classify pod, node, and event state into Issue records (first matching
//     rule wins per object)
//   - Compute stable fingerprints so recurrences of the same problem collapse
//   - Debounce non-critical issues across consecutive snapshots and suppress
//     re-emission during per-fingerprint cooldowns
//
// Integration points:
//   - internal/monitor: feeds snapshots in, forwards emitted issues
//   - internal/scheduler: marks fingerprints investigating and manages
//     post-investigation cooldowns through the Tracker
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Kind is the classified issue category.
type Kind string

const (
	KindImagePullBackOff     Kind = "ImagePullBackOff"
	KindErrImagePull         Kind = "ErrImagePull"
	KindCrashLoopBackOff     Kind = "CrashLoopBackOff"
	KindOOMKilled            Kind = "OOMKilled"
	KindPendingUnschedulable Kind = "PendingUnschedulable"
	KindNodeNotReady         Kind = "NodeNotReady"
	KindEvictedPod           Kind = "EvictedPod"
	KindFailedMount          Kind = "FailedMount"
	KindHighRestart          Kind = "HighRestart"
	KindUnknown              Kind = "Unknown"
)

// Severity ranks how urgently an issue needs investigation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"

	// SeverityInfo never classifies an issue; findings use it for
	// observations that need no action.
	SeverityInfo Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// Rank returns a comparable weight; higher means more severe.
func (s Severity) Rank() int { return severityRank[s] }

// Target identifies the object an issue is about.
type Target struct {
	Kind      string `json:"kind"` // Pod | Node
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Container string `json:"container,omitempty"`
}

// Issue is one classified problem observed in a snapshot.
type Issue struct {
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Target      Target    `json:"target"`
	Reason      string    `json:"reason"`
	Evidence    []string  `json:"evidence"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`

	// restartCount and regressed carry window bookkeeping between the
	// classifier and the tracker; they are not part of the wire shape.
	restartCount int32
	regressed    bool
}

// ComputeFingerprint hashes the identifying attributes of an issue. The
// inputs deliberately exclude timestamps, counts, and pod UIDs so that
// recurrences of the same problem map to the same fingerprint.
func ComputeFingerprint(kind Kind, target Target, reason string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		string(kind),
		target.Namespace,
		target.Kind,
		target.Name,
		target.Container,
		reason,
	}, "|")))
	return hex.EncodeToString(h[:])[:16]
}

// severityFor applies the fixed severity table. pendingFor is the pod age for
// PendingUnschedulable; restarts is the container restart count for
// CrashLoopBackOff.
func severityFor(kind Kind, restarts int32, pendingFor time.Duration) Severity {
	switch kind {
	case KindNodeNotReady, KindOOMKilled:
		return SeverityCritical
	case KindPendingUnschedulable:
		if pendingFor > pendingThreshold {
			return SeverityCritical
		}
		return SeverityLow
	case KindCrashLoopBackOff:
		switch {
		case restarts >= 5:
			return SeverityCritical
		case restarts >= 2:
			return SeverityHigh
		default:
			return SeverityLow
		}
	case KindEvictedPod, KindImagePullBackOff, KindErrImagePull:
		return SeverityHigh
	case KindHighRestart, KindFailedMount:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
