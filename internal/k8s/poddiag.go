package k8s

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// severityRank maps known pod failure reasons to a numeric severity.
// Higher values are more severe.
var severityRank = map[string]int{
	"CrashLoopBackOff": 4,
	"OOMKilled":        3,
	"ImagePullBackOff": 2,
	"Error":            1,
}

// PodDiagnostic summarizes why the pods behind a target are not ready.
type PodDiagnostic struct {
	Reason       string
	RestartCount int
}

func (d *PodDiagnostic) String() string {
	if d == nil {
		return ""
	}
	if d.Reason == "" {
		return fmt.Sprintf("%d restart(s)", d.RestartCount)
	}
	return fmt.Sprintf("%s, %d restart(s)", d.Reason, d.RestartCount)
}

// MostSevereReason returns the most severe reason from a list of reasons.
// If the list is empty, it returns an empty string.
func MostSevereReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	best := reasons[0]
	bestRank := severityRank[best]
	for _, r := range reasons[1:] {
		if rank := severityRank[r]; rank > bestRank {
			best = r
			bestRank = rank
		}
	}
	return best
}

// diagFromPod extracts waiting/terminated reasons and the restart count of
// a single pod.
func diagFromPod(pod *corev1.Pod) (reasons []string, restartCount int) {
	statuses := append(append([]corev1.ContainerStatus(nil), pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
	seen := map[string]bool{}
	for _, cs := range statuses {
		restartCount += int(cs.RestartCount)
		for _, reason := range []string{waitingReason(cs), terminatedReason(cs)} {
			if reason != "" && !seen[reason] {
				seen[reason] = true
				reasons = append(reasons, reason)
			}
		}
	}
	return reasons, restartCount
}

func waitingReason(cs corev1.ContainerStatus) string {
	if w := cs.State.Waiting; w != nil {
		return w.Reason
	}
	return ""
}

func terminatedReason(cs corev1.ContainerStatus) string {
	if t := cs.State.Terminated; t != nil {
		return t.Reason
	}
	return ""
}

// DiagFromPods aggregates diagnostics across pods. It returns nil when there
// is nothing noteworthy to report.
func DiagFromPods(pods []*corev1.Pod) *PodDiagnostic {
	var all []string
	restarts := 0
	seen := map[string]bool{}
	for _, p := range pods {
		reasons, rc := diagFromPod(p)
		restarts += rc
		for _, r := range reasons {
			if !seen[r] {
				seen[r] = true
				all = append(all, r)
			}
		}
	}
	if len(all) == 0 && restarts == 0 {
		return nil
	}
	return &PodDiagnostic{Reason: MostSevereReason(all), RestartCount: restarts}
}

// PodDiagnosticQuerier fetches not-ready pods to explain a DOWN target.
type PodDiagnosticQuerier struct {
	clientset kubernetes.Interface
	logger    *slog.Logger
}

// NewPodDiagnosticQuerier creates a new PodDiagnosticQuerier.
func NewPodDiagnosticQuerier(clientset kubernetes.Interface, logger *slog.Logger) *PodDiagnosticQuerier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PodDiagnosticQuerier{clientset: clientset, logger: logger}
}

// Query fetches the named pods in namespace and returns their diagnostics.
// Pods that cannot be fetched are skipped.
func (q *PodDiagnosticQuerier) Query(ctx context.Context, namespace string, podNames []string) *PodDiagnostic {
	if len(podNames) == 0 {
		return nil
	}

	pods := make([]*corev1.Pod, len(podNames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range podNames {
		g.Go(func() error {
			pod, err := q.clientset.CoreV1().Pods(namespace).Get(gctx, name, metav1.GetOptions{})
			if err != nil {
				q.logger.Debug("failed to get pod", "pod", name, "namespace", namespace, "error", err)
				return nil
			}
			pods[i] = pod
			return nil
		})
	}
	_ = g.Wait()

	found := pods[:0]
	for _, p := range pods {
		if p != nil {
			found = append(found, p)
		}
	}
	return DiagFromPods(found)
}
