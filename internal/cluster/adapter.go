// Package cluster provides the read-only boundary to the Kubernetes cluster.
//
// Responsibilities:
//   - Produce immutable Snapshots of nodes, pods, events, and workloads
//   - Targeted reads used by investigators (pod logs, object events)
//   - Shield the rest of the process from API server flakiness via a
//     client-side rate limiter, a circuit breaker, and bounded retries
//
// Integration points:
//   - internal/monitor: calls Snapshot on every tick
//   - internal/investigate: calls GetPodLogs / ListEvents from tools and steps
package cluster

import (
	"context"
	"errors"
)

// ErrUnavailable marks the cluster as unreachable (connection failures or an
// open circuit breaker). The monitor surfaces it in the heartbeat status.
var ErrUnavailable = errors.New("cluster unavailable")

// Adapter is the cluster boundary consumed by the core. All calls honor the
// caller's context for cancellation and deadlines.
type Adapter interface {
	// Snapshot returns a fresh observation of cluster state.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// GetPodLogs returns up to tailLines of a pod's log output.
	GetPodLogs(ctx context.Context, namespace, name string, tailLines int64) (string, error)

	// ListEvents returns events involving the referenced object,
	// or all events in the namespace when ref.Name is empty.
	ListEvents(ctx context.Context, ref ObjectRef) ([]Event, error)
}

// IsTimeout reports whether an adapter call failed by exceeding its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsUnavailable reports whether the cluster should be treated as down.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
