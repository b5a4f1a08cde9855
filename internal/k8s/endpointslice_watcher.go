package k8s

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/state"
)

const serviceNameLabel = "kubernetes.io/service-name"

// Binding ties a target to the EndpointSlices of a Service.
type Binding struct {
	TargetID  string
	Namespace string
	Service   string
	Port      int
}

// Store provides the active snapshot and receives target events.
type Store interface {
	Current() *state.Snapshot
	Notify(ev state.Event)
}

// EndpointSliceWatcher runs a single cluster-wide EndpointSlice informer and
// keeps bound targets pointed at a ready endpoint. A target whose service has
// no ready endpoint is marked DOWN.
type EndpointSliceWatcher struct {
	store   Store
	logger  *slog.Logger
	podDiag *PodDiagnosticQuerier

	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer
	cancel   context.CancelFunc

	mu sync.RWMutex
	// bindings maps "namespace/service" to the targets bound to it
	bindings map[string][]Binding
}

// NewEndpointSliceWatcher creates a new EndpointSliceWatcher with a cluster-wide informer.
func NewEndpointSliceWatcher(clientset kubernetes.Interface, store Store, logger *slog.Logger) *EndpointSliceWatcher {
	return NewEndpointSliceWatcherWithTweak(clientset, store, logger, nil)
}

// NewEndpointSliceWatcherWithTweak allows providing a tweak function for the informer factory.
func NewEndpointSliceWatcherWithTweak(clientset kubernetes.Interface, store Store, logger *slog.Logger, tweak func(*metav1.ListOptions)) *EndpointSliceWatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())

	factory := informers.NewSharedInformerFactoryWithOptions(clientset, 0, informers.WithTweakListOptions(tweak))
	informer := factory.Discovery().V1().EndpointSlices().Informer()

	e := &EndpointSliceWatcher{
		store:    store,
		logger:   logger,
		podDiag:  NewPodDiagnosticQuerier(clientset, logger),
		factory:  factory,
		informer: informer,
		cancel:   cancel,
		bindings: make(map[string][]Binding),
	}

	_, _ = informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    e.onAdd,
		UpdateFunc: e.onUpdate,
		DeleteFunc: e.onDelete,
	})

	factory.Start(ctx.Done())

	return e
}

func (e *EndpointSliceWatcher) onAdd(obj interface{}) {
	e.handleEvent(obj)
}

func (e *EndpointSliceWatcher) onUpdate(_, newObj interface{}) {
	e.handleEvent(newObj)
}

func (e *EndpointSliceWatcher) onDelete(obj interface{}) {
	e.handleEvent(obj)
}

func (e *EndpointSliceWatcher) handleEvent(obj interface{}) {
	slice, ok := obj.(*discoveryv1.EndpointSlice)
	if !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		slice, ok = tombstone.Obj.(*discoveryv1.EndpointSlice)
		if !ok {
			return
		}
	}

	serviceName := slice.Labels[serviceNameLabel]
	if serviceName == "" {
		return
	}

	e.sync(slice.Namespace, serviceName)
}

// Bind replaces the set of bound targets and syncs each of them. It is
// called after every reload, which resets target addresses to the
// configured values.
func (e *EndpointSliceWatcher) Bind(bindings []Binding) {
	next := make(map[string][]Binding, len(bindings))
	for _, b := range bindings {
		key := b.Namespace + "/" + b.Service
		next[key] = append(next[key], b)
	}

	e.mu.Lock()
	e.bindings = next
	e.mu.Unlock()

	e.logger.Info("EndpointSlice bindings updated", "targets", len(bindings), "services", len(next))
	e.Resync()
}

// Resync re-applies the current endpoint state to every bound target.
func (e *EndpointSliceWatcher) Resync() {
	e.mu.RLock()
	keys := make([][2]string, 0, len(e.bindings))
	for _, bs := range e.bindings {
		keys = append(keys, [2]string{bs[0].Namespace, bs[0].Service})
	}
	e.mu.RUnlock()

	for _, k := range keys {
		e.sync(k[0], k[1])
	}
}

func (e *EndpointSliceWatcher) sync(namespace, serviceName string) {
	e.mu.RLock()
	bound := append([]Binding(nil), e.bindings[namespace+"/"+serviceName]...)
	e.mu.RUnlock()
	// an unsynced cache looks like a service without endpoints
	if len(bound) == 0 || !e.informer.HasSynced() {
		return
	}

	lister := e.factory.Discovery().V1().EndpointSlices().Lister()
	selector := labels.SelectorFromSet(labels.Set{serviceNameLabel: serviceName})
	slices, err := lister.EndpointSlices(namespace).List(selector)
	if err != nil {
		e.logger.Warn("failed to list EndpointSlices", "namespace", namespace, "service", serviceName, "error", err)
		return
	}

	snap := e.store.Current()
	if snap == nil {
		return
	}
	for _, b := range bound {
		e.apply(snap.Registry, b, slices)
	}
}

// apply points the bound target at a ready endpoint or marks it DOWN.
func (e *EndpointSliceWatcher) apply(reg *registry.Registry, b Binding, slices []*discoveryv1.EndpointSlice) {
	t, err := reg.Resolve(b.TargetID)
	if err != nil {
		return
	}
	ready, total := aggregateEndpointReadiness(slices)
	candidates := readyAddresses(slices, b.Port)

	if len(candidates) == 0 {
		previous, err := reg.SetLiveness(t.ID, registry.LivenessDown)
		if err != nil || previous == registry.LivenessDown {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		diag := e.podDiag.Query(ctx, b.Namespace, extractNotReadyPodNames(slices))
		cancel()
		e.logger.Warn("bound service has no ready endpoints",
			"target", t.ID,
			"namespace", b.Namespace,
			"service", b.Service,
			"ready", ready,
			"total", total,
			"diagnostic", diag.String(),
		)
		e.store.Notify(state.Event{
			Type:     state.EventLiveness,
			TargetID: t.ID,
			Liveness: registry.LivenessDown,
			Error:    diag.String(),
		})
		return
	}

	// keep the current endpoint while it stays ready
	for _, addr := range candidates {
		if addr == t.Address() {
			if previous, err := reg.SetLiveness(t.ID, registry.LivenessUp); err == nil && previous != registry.LivenessUp {
				e.store.Notify(state.Event{Type: state.EventLiveness, TargetID: t.ID, Liveness: registry.LivenessUp})
			}
			return
		}
	}

	addr := candidates[0]
	if _, err := reg.Register(t.ID, addr, t.Scheme,
		registry.WithHealthPath(t.HealthPath),
		registry.WithPreserveHost(t.PreserveHost),
		registry.WithInsecureSkipVerify(t.InsecureSkipVerify),
		registry.WithLiveness(registry.LivenessUp),
	); err != nil {
		e.logger.Warn("failed to rebind target", "target", t.ID, "address", addr, "error", err)
		return
	}
	e.logger.Info("target rebound to endpoint",
		"target", t.ID,
		"from", t.Address(),
		"to", addr,
		"ready", ready,
		"total", total,
	)
	e.store.Notify(state.Event{Type: state.EventRegistered, TargetID: t.ID, Liveness: registry.LivenessUp})
}

// StopAll shuts down the informer factory.
func (e *EndpointSliceWatcher) StopAll() {
	e.cancel()
	e.factory.Shutdown()

	e.mu.Lock()
	e.bindings = make(map[string][]Binding)
	e.mu.Unlock()

	e.logger.Info("stopped EndpointSlice watcher")
}

// WaitForSync waits for the internal informer to sync.
func (e *EndpointSliceWatcher) WaitForSync(ctx context.Context) bool {
	syncStatus := e.factory.WaitForCacheSync(ctx.Done())
	for _, synced := range syncStatus {
		if !synced {
			return false
		}
	}
	return len(syncStatus) > 0
}

// Run waits for the informer cache, applies the initial state and blocks
// until ctx is cancelled.
func (e *EndpointSliceWatcher) Run(ctx context.Context) error {
	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	synced := e.WaitForSync(syncCtx)
	cancel()
	if !synced {
		e.logger.Warn("EndpointSlice cache did not sync, bindings apply as events arrive")
	} else {
		e.Resync()
	}
	<-ctx.Done()
	e.StopAll()
	return nil
}

// BoundCount returns the number of services being watched.
func (e *EndpointSliceWatcher) BoundCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.bindings)
}

// aggregateEndpointReadiness counts ready and total endpoints across all slices.
func aggregateEndpointReadiness(slices []*discoveryv1.EndpointSlice) (ready, total int) {
	for _, slice := range slices {
		for _, ep := range slice.Endpoints {
			total++
			if isReady(ep) {
				ready++
			}
		}
	}
	return ready, total
}

func isReady(ep discoveryv1.Endpoint) bool {
	return ep.Conditions.Ready != nil && *ep.Conditions.Ready
}

// readyAddresses lists host:port of ready endpoints in a stable order
// (slice name, then endpoint order). The port is the slice port equal to
// want, else the slice's only port, else want itself.
func readyAddresses(slices []*discoveryv1.EndpointSlice, want int) []string {
	sorted := append([]*discoveryv1.EndpointSlice(nil), slices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var out []string
	for _, slice := range sorted {
		port := slicePort(slice, want)
		for _, ep := range slice.Endpoints {
			if !isReady(ep) || len(ep.Addresses) == 0 {
				continue
			}
			out = append(out, net.JoinHostPort(ep.Addresses[0], strconv.Itoa(port)))
		}
	}
	return out
}

func slicePort(slice *discoveryv1.EndpointSlice, want int) int {
	for _, p := range slice.Ports {
		if p.Port != nil && int(*p.Port) == want {
			return want
		}
	}
	if len(slice.Ports) == 1 && slice.Ports[0].Port != nil {
		return int(*slice.Ports[0].Port)
	}
	return want
}

func extractNotReadyPodNames(slices []*discoveryv1.EndpointSlice) []string {
	seen := make(map[string]struct{})
	var names []string

	for _, slice := range slices {
		for _, ep := range slice.Endpoints {
			if isReady(ep) || ep.TargetRef == nil {
				continue
			}
			if ep.TargetRef.Kind != "Pod" || ep.TargetRef.Name == "" {
				continue
			}
			if _, exists := seen[ep.TargetRef.Name]; exists {
				continue
			}
			seen[ep.TargetRef.Name] = struct{}{}
			names = append(names, ep.TargetRef.Name)
		}
	}

	return names
}
