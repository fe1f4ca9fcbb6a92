package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubeinquest/kubeinquest/internal/config"
)

// KubeAdapter implements Adapter against a real (or fake) clientset.
//
// Every API call goes through a client-side rate limiter, a circuit breaker,
// and at most one constant-backoff retry for transient server errors. An open
// breaker reports ErrUnavailable without touching the API server.
type KubeAdapter struct {
	clientset kubernetes.Interface
	metrics   metricsclient.Interface // nil when metrics.k8s.io is absent
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	logger    *zap.Logger
}

var _ Adapter = (*KubeAdapter)(nil)

// New builds a KubeAdapter from config, preferring in-cluster credentials and
// falling back to the kubeconfig (explicit path, $KUBECONFIG, or the default
// location).
func New(cfg config.ClusterConfig, adapterTimeout time.Duration, logger *zap.Logger) (*KubeAdapter, error) {
	restCfg, err := buildRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build Kubernetes client config: %w", err)
	}
	restCfg.QPS = cfg.QPS
	restCfg.Burst = cfg.Burst

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}

	// Metrics are optional; snapshots simply omit usage when unavailable.
	mc, err := metricsclient.NewForConfig(restCfg)
	if err != nil {
		mc = nil
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &KubeAdapter{
		clientset: clientset,
		metrics:   mc,
		limiter:   rate.NewLimiter(limit, maxInt(cfg.Burst, 1)),
		breaker:   newBreaker(logger),
		timeout:   adapterTimeout,
		logger:    logger.Named("cluster"),
	}, nil
}

// NewForTest wraps an existing clientset (typically k8s.io/client-go fake)
// with no rate limiting and a breaker that effectively never opens.
func NewForTest(clientset kubernetes.Interface) *KubeAdapter {
	return &KubeAdapter{
		clientset: clientset,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cluster-test",
			ReadyToTrip: func(gobreaker.Counts) bool { return false },
		}),
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
	}
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loading := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loading.ExplicitPath = kubeconfig
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loading, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func newBreaker(logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cluster",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// do runs one API operation through the limiter, breaker, and retry policy.
func (a *KubeAdapter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err := a.breaker.Execute(func() (interface{}, error) {
		backoff := retry.WithMaxRetries(1, retry.NewConstant(200*time.Millisecond))
		return nil, retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				if isTransient(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			return nil
		})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case isAPIResponse(err):
		return fmt.Errorf("%s: %w", op, err)
	default:
		// Transport-level failure: the API server never answered.
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}

func isTransient(err error) bool {
	return apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

// isAPIResponse reports whether the API server answered with a status error,
// as opposed to being unreachable.
func isAPIResponse(err error) bool {
	var statusErr *apierrors.StatusError
	return errors.As(err, &statusErr)
}

// withTimeout applies the adapter's own deadline when the caller did not.
func (a *KubeAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// Snapshot lists nodes, pods, events, deployments, services, endpoints,
// network policies, and namespaces, and assembles them into value copies.
func (a *KubeAdapter) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	snap := &Snapshot{Timestamp: time.Now().UTC()}

	var nodeList *corev1.NodeList
	if err := a.do(ctx, "list nodes", func(ctx context.Context) error {
		var err error
		nodeList, err = a.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		return err
	}); err != nil {
		return nil, err
	}

	var podList *corev1.PodList
	if err := a.do(ctx, "list pods", func(ctx context.Context) error {
		var err error
		podList, err = a.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		return err
	}); err != nil {
		return nil, err
	}

	var eventList *corev1.EventList
	if err := a.do(ctx, "list events", func(ctx context.Context) error {
		var err error
		eventList, err = a.clientset.CoreV1().Events(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		return err
	}); err != nil {
		return nil, err
	}

	if err := a.do(ctx, "list deployments", func(ctx context.Context) error {
		deployList, err := a.clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, d := range deployList.Items {
			desired := int32(1)
			if d.Spec.Replicas != nil {
				desired = *d.Spec.Replicas
			}
			snap.Deployments = append(snap.Deployments, Deployment{
				Namespace: d.Namespace,
				Name:      d.Name,
				Desired:   desired,
				Available: d.Status.AvailableReplicas,
			})
		}
		return nil
	}); err != nil {
		return nil, err
	}

	endpointAddrs := map[string]int{}
	if err := a.do(ctx, "list endpoints", func(ctx context.Context) error {
		epList, err := a.clientset.CoreV1().Endpoints(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, ep := range epList.Items {
			n := 0
			for _, subset := range ep.Subsets {
				n += len(subset.Addresses)
			}
			endpointAddrs[ep.Namespace+"/"+ep.Name] = n
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := a.do(ctx, "list services", func(ctx context.Context) error {
		svcList, err := a.clientset.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, svc := range svcList.Items {
			snap.Services = append(snap.Services, Service{
				Namespace:         svc.Namespace,
				Name:              svc.Name,
				Selector:          copyMap(svc.Spec.Selector),
				EndpointAddresses: endpointAddrs[svc.Namespace+"/"+svc.Name],
			})
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := a.do(ctx, "list network policies", func(ctx context.Context) error {
		npList, err := a.clientset.NetworkingV1().NetworkPolicies(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, np := range npList.Items {
			snap.NetworkPolicies = append(snap.NetworkPolicies, NetworkPolicy{
				Namespace:   np.Namespace,
				Name:        np.Name,
				PodSelector: copyMap(np.Spec.PodSelector.MatchLabels),
			})
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := a.do(ctx, "list namespaces", func(ctx context.Context) error {
		nsList, err := a.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, ns := range nsList.Items {
			snap.Namespaces = append(snap.Namespaces, ns.Name)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	usage := a.nodeUsage(ctx)
	for _, n := range nodeList.Items {
		snap.Nodes = append(snap.Nodes, convertNode(n, usage[n.Name]))
	}
	for i := range podList.Items {
		snap.Pods = append(snap.Pods, convertPod(&podList.Items[i]))
	}
	for _, e := range eventList.Items {
		snap.Events = append(snap.Events, convertEvent(e))
	}

	return snap, nil
}

// nodeUsage queries metrics.k8s.io; best-effort, missing metrics are fine.
func (a *KubeAdapter) nodeUsage(ctx context.Context) map[string]*NodeUsage {
	if a.metrics == nil {
		return nil
	}
	nm, err := a.metrics.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		a.logger.Debug("node metrics unavailable", zap.Error(err))
		return nil
	}
	out := make(map[string]*NodeUsage, len(nm.Items))
	for _, item := range nm.Items {
		out[item.Name] = &NodeUsage{
			CPUMilli:    item.Usage.Cpu().MilliValue(),
			MemoryBytes: item.Usage.Memory().Value(),
		}
	}
	return out
}

// GetPodLogs fetches up to tailLines of the pod's current log.
func (a *KubeAdapter) GetPodLogs(ctx context.Context, namespace, name string, tailLines int64) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var logs string
	err := a.do(ctx, "get pod logs", func(ctx context.Context) error {
		req := a.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{
			TailLines: &tailLines,
		})
		stream, err := req.Stream(ctx)
		if err != nil {
			return err
		}
		defer stream.Close()
		data, err := io.ReadAll(stream)
		if err != nil {
			return err
		}
		logs = string(data)
		return nil
	})
	return logs, err
}

// ListEvents returns events involving the referenced object. Filtering is
// done client-side so the behavior is identical against fake clientsets.
func (a *KubeAdapter) ListEvents(ctx context.Context, ref ObjectRef) ([]Event, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var out []Event
	err := a.do(ctx, "list object events", func(ctx context.Context) error {
		ns := ref.Namespace
		if ns == "" {
			ns = metav1.NamespaceAll
		}
		eventList, err := a.clientset.CoreV1().Events(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		out = out[:0]
		for _, e := range eventList.Items {
			if ref.Name != "" && e.InvolvedObject.Name != ref.Name {
				continue
			}
			if ref.Kind != "" && e.InvolvedObject.Kind != ref.Kind {
				continue
			}
			out = append(out, convertEvent(e))
		}
		return nil
	})
	return out, err
}

func convertNode(n corev1.Node, usage *NodeUsage) Node {
	out := Node{
		Name:                   n.Name,
		AllocatableCPUMilli:    n.Status.Allocatable.Cpu().MilliValue(),
		AllocatableMemoryBytes: n.Status.Allocatable.Memory().Value(),
		Usage:                  usage,
	}
	for _, cond := range n.Status.Conditions {
		isTrue := cond.Status == corev1.ConditionTrue
		switch cond.Type {
		case corev1.NodeReady:
			out.Ready = isTrue
		case corev1.NodeMemoryPressure:
			out.MemoryPressure = isTrue
		case corev1.NodeDiskPressure:
			out.DiskPressure = isTrue
		case corev1.NodePIDPressure:
			out.PIDPressure = isTrue
		}
	}
	return out
}

func convertPod(p *corev1.Pod) Pod {
	out := Pod{
		Namespace: p.Namespace,
		Name:      p.Name,
		Labels:    copyMap(p.Labels),
		NodeName:  p.Spec.NodeName,
		Phase:     string(p.Status.Phase),
		Reason:    p.Status.Reason,
		CreatedAt: p.CreationTimestamp.Time,
	}
	if ref := metav1.GetControllerOf(p); ref != nil {
		out.Controller = &OwnerRef{Kind: ref.Kind, Name: ref.Name}
	}
	if p.Status.StartTime != nil {
		out.StartTime = p.Status.StartTime.Time
	}
	for _, c := range p.Spec.Containers {
		out.RequestsCPUMilli += c.Resources.Requests.Cpu().MilliValue()
		out.RequestsMemoryBytes += c.Resources.Requests.Memory().Value()
	}
	for _, cs := range p.Status.ContainerStatuses {
		out.Containers = append(out.Containers, ContainerStatus{
			Name:         cs.Name,
			Image:        cs.Image,
			Ready:        cs.Ready,
			RestartCount: cs.RestartCount,
			State:        convertContainerState(cs.State),
		})
	}
	return out
}

func convertContainerState(st corev1.ContainerState) ContainerState {
	var out ContainerState
	switch {
	case st.Waiting != nil:
		out.Waiting = &StateWaiting{Reason: st.Waiting.Reason, Message: st.Waiting.Message}
	case st.Terminated != nil:
		out.Terminated = &StateTerminated{
			Reason:     st.Terminated.Reason,
			Message:    st.Terminated.Message,
			ExitCode:   st.Terminated.ExitCode,
			FinishedAt: st.Terminated.FinishedAt.Time,
		}
	case st.Running != nil:
		out.Running = &StateRunning{StartedAt: st.Running.StartedAt.Time}
	}
	return out
}

func convertEvent(e corev1.Event) Event {
	first := e.FirstTimestamp.Time
	last := e.LastTimestamp.Time
	if last.IsZero() && !e.EventTime.IsZero() {
		last = e.EventTime.Time
	}
	if first.IsZero() {
		first = last
	}
	count := e.Count
	if count == 0 {
		count = 1
	}
	return Event{
		Type:   e.Type,
		Reason: e.Reason,
		Object: ObjectRef{
			Kind:      e.InvolvedObject.Kind,
			Namespace: e.InvolvedObject.Namespace,
			Name:      e.InvolvedObject.Name,
		},
		Message:   e.Message,
		FirstSeen: first,
		LastSeen:  last,
		Count:     count,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
