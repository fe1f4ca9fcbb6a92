package cluster

import "time"

// Snapshot is an immutable observation of cluster state at a single instant.
// Everything inside is a value copy; a Snapshot never holds live API objects.
type Snapshot struct {
	Timestamp       time.Time       `json:"timestamp"`
	Nodes           []Node          `json:"nodes"`
	Pods            []Pod           `json:"pods"`
	Events          []Event         `json:"events"`
	Deployments     []Deployment    `json:"deployments"`
	Services        []Service       `json:"services"`
	NetworkPolicies []NetworkPolicy `json:"network_policies"`
	Namespaces      []string        `json:"namespaces"`
}

// Node is the observed state of one cluster node.
type Node struct {
	Name                   string     `json:"name"`
	Ready                  bool       `json:"ready"`
	MemoryPressure         bool       `json:"memory_pressure"`
	DiskPressure           bool       `json:"disk_pressure"`
	PIDPressure            bool       `json:"pid_pressure"`
	AllocatableCPUMilli    int64      `json:"allocatable_cpu_milli"`
	AllocatableMemoryBytes int64      `json:"allocatable_memory_bytes"`
	Usage                  *NodeUsage `json:"usage,omitempty"`
}

// NodeUsage is live usage from the metrics API; present only when the
// metrics server is reachable.
type NodeUsage struct {
	CPUMilli    int64 `json:"cpu_milli"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Pod is the observed state of one pod.
type Pod struct {
	Namespace           string            `json:"namespace"`
	Name                string            `json:"name"`
	Labels              map[string]string `json:"labels,omitempty"`
	Controller          *OwnerRef         `json:"controller,omitempty"`
	NodeName            string            `json:"node_name,omitempty"`
	Phase               string            `json:"phase"`
	Reason              string            `json:"reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartTime           time.Time         `json:"start_time,omitempty"`
	RequestsCPUMilli    int64             `json:"requests_cpu_milli"`
	RequestsMemoryBytes int64             `json:"requests_memory_bytes"`
	Containers          []ContainerStatus `json:"containers"`
}

// OwnerRef identifies the controller managing a pod.
type OwnerRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// ContainerStatus is the observed state of one container in a pod.
type ContainerStatus struct {
	Name         string         `json:"name"`
	Image        string         `json:"image"`
	Ready        bool           `json:"ready"`
	RestartCount int32          `json:"restart_count"`
	State        ContainerState `json:"state"`
}

// ContainerState is a tagged union: exactly one of the three is non-nil.
type ContainerState struct {
	Running    *StateRunning    `json:"running,omitempty"`
	Waiting    *StateWaiting    `json:"waiting,omitempty"`
	Terminated *StateTerminated `json:"terminated,omitempty"`
}

type StateRunning struct {
	StartedAt time.Time `json:"started_at,omitempty"`
}

type StateWaiting struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type StateTerminated struct {
	Reason     string    `json:"reason"`
	Message    string    `json:"message,omitempty"`
	ExitCode   int32     `json:"exit_code"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ObjectRef identifies a cluster object without holding it.
type ObjectRef struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// Event is a value copy of a cluster event.
type Event struct {
	Type      string    `json:"type"` // Normal | Warning
	Reason    string    `json:"reason"`
	Object    ObjectRef `json:"object"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int32     `json:"count"`
}

// Deployment is the observed replica state of one deployment.
type Deployment struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Desired   int32  `json:"desired"`
	Available int32  `json:"available"`
}

// Service is the observed state of one service and its endpoints.
type Service struct {
	Namespace         string            `json:"namespace"`
	Name              string            `json:"name"`
	Selector          map[string]string `json:"selector,omitempty"`
	EndpointAddresses int               `json:"endpoint_addresses"`
}

// NetworkPolicy is the observed pod selector of one network policy.
type NetworkPolicy struct {
	Namespace   string            `json:"namespace"`
	Name        string            `json:"name"`
	PodSelector map[string]string `json:"pod_selector,omitempty"`
}

// NodeCounts returns (ready, total).
func (s *Snapshot) NodeCounts() (int, int) {
	ready := 0
	for _, n := range s.Nodes {
		if n.Ready {
			ready++
		}
	}
	return ready, len(s.Nodes)
}

// PodCounts returns (running, pending, failed, total).
func (s *Snapshot) PodCounts() (running, pending, failed, total int) {
	for _, p := range s.Pods {
		switch p.Phase {
		case "Running":
			running++
		case "Pending":
			pending++
		case "Failed":
			failed++
		}
	}
	return running, pending, failed, len(s.Pods)
}

// WarningEventCount returns the number of Warning-type events.
func (s *Snapshot) WarningEventCount() int {
	n := 0
	for _, e := range s.Events {
		if e.Type == "Warning" {
			n++
		}
	}
	return n
}

// FindPod returns the pod with the given namespace and name, or nil.
func (s *Snapshot) FindPod(namespace, name string) *Pod {
	for i := range s.Pods {
		if s.Pods[i].Namespace == namespace && s.Pods[i].Name == name {
			return &s.Pods[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Consumers that hand snapshots to other
// goroutines clone first so the original stays immutable.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Timestamp:       s.Timestamp,
		Nodes:           make([]Node, len(s.Nodes)),
		Pods:            make([]Pod, len(s.Pods)),
		Events:          append([]Event(nil), s.Events...),
		Deployments:     append([]Deployment(nil), s.Deployments...),
		Services:        make([]Service, len(s.Services)),
		NetworkPolicies: make([]NetworkPolicy, len(s.NetworkPolicies)),
		Namespaces:      append([]string(nil), s.Namespaces...),
	}
	for i, n := range s.Nodes {
		out.Nodes[i] = n
		if n.Usage != nil {
			u := *n.Usage
			out.Nodes[i].Usage = &u
		}
	}
	for i, p := range s.Pods {
		out.Pods[i] = p
		out.Pods[i].Labels = copyMap(p.Labels)
		if p.Controller != nil {
			c := *p.Controller
			out.Pods[i].Controller = &c
		}
		out.Pods[i].Containers = make([]ContainerStatus, len(p.Containers))
		for j, cs := range p.Containers {
			out.Pods[i].Containers[j] = cs
			out.Pods[i].Containers[j].State = cs.State.clone()
		}
	}
	for i, svc := range s.Services {
		out.Services[i] = svc
		out.Services[i].Selector = copyMap(svc.Selector)
	}
	for i, np := range s.NetworkPolicies {
		out.NetworkPolicies[i] = np
		out.NetworkPolicies[i].PodSelector = copyMap(np.PodSelector)
	}
	return out
}

func (cs ContainerState) clone() ContainerState {
	var out ContainerState
	if cs.Running != nil {
		r := *cs.Running
		out.Running = &r
	}
	if cs.Waiting != nil {
		w := *cs.Waiting
		out.Waiting = &w
	}
	if cs.Terminated != nil {
		t := *cs.Terminated
		out.Terminated = &t
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
