package k8s

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/tools/cache"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/routing"
	"github.com/rathix/dev-gateway/internal/state"
)

func boolPtr(b bool) *bool {
	return &b
}

func int32Ptr(i int32) *int32 {
	return &i
}

// newTestEndpointSlice builds a slice with ready endpoints 10.0.0.1.. followed
// by not-ready endpoints 10.0.1.1.. exposing port 8080.
func newTestEndpointSlice(name, namespace, serviceName string, readyCount, notReadyCount int) *discoveryv1.EndpointSlice {
	var endpoints []discoveryv1.Endpoint
	for i := range readyCount {
		endpoints = append(endpoints, discoveryv1.Endpoint{
			Addresses:  []string{"10.0.0." + string(rune('1'+i))},
			Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(true)},
		})
	}
	for i := range notReadyCount {
		endpoints = append(endpoints, discoveryv1.Endpoint{
			Addresses:  []string{"10.0.1." + string(rune('1'+i))},
			Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(false)},
			TargetRef:  &corev1.ObjectReference{Kind: "Pod", Name: name + "-pod-" + string(rune('a'+i))},
		})
	}

	return &discoveryv1.EndpointSlice{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				serviceNameLabel: serviceName,
			},
		},
		AddressType: discoveryv1.AddressTypeIPv4,
		Ports:       []discoveryv1.EndpointPort{{Port: int32Ptr(8080)}},
		Endpoints:   endpoints,
	}
}

func newTestStore(t *testing.T, ids ...string) *state.Store {
	t.Helper()
	reg := registry.New()
	var specs []routing.Spec
	for _, id := range ids {
		if _, err := reg.Register(id, "localhost:9000", "http", registry.WithHealthPath("/healthz")); err != nil {
			t.Fatal(err)
		}
		specs = append(specs, routing.Spec{Prefix: "/" + id, TargetID: id})
	}
	table, err := routing.Build(specs, reg)
	if err != nil {
		t.Fatal(err)
	}
	store := state.NewStore()
	store.Publish(reg, table, "", "")
	return store
}

func waitForTarget(t *testing.T, store *state.Store, id string, cond func(*registry.Target) bool) *registry.Target {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		tgt, err := store.Current().Registry.Resolve(id)
		if err == nil && cond(tgt) {
			return tgt
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for target %s, last: %+v", id, tgt)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// unsyncedInformer reports a cache that has not completed its initial list.
type unsyncedInformer struct {
	cache.SharedIndexInformer
}

func (unsyncedInformer) HasSynced() bool { return false }

func newUnsyncedInformer() cache.SharedIndexInformer {
	return unsyncedInformer{}
}

func startWatcher(t *testing.T, esw *EndpointSliceWatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !esw.WaitForSync(ctx) {
		t.Fatal("informer did not sync")
	}
}

func TestAggregateEndpointReadiness(t *testing.T) {
	tests := []struct {
		name      string
		slices    []*discoveryv1.EndpointSlice
		wantReady int
		wantTotal int
	}{
		{
			name:      "no slices",
			slices:    nil,
			wantReady: 0,
			wantTotal: 0,
		},
		{
			name: "all ready",
			slices: []*discoveryv1.EndpointSlice{
				newTestEndpointSlice("es-1", "ns", "svc", 3, 0),
			},
			wantReady: 3,
			wantTotal: 3,
		},
		{
			name: "mixed readiness",
			slices: []*discoveryv1.EndpointSlice{
				newTestEndpointSlice("es-1", "ns", "svc", 2, 1),
			},
			wantReady: 2,
			wantTotal: 3,
		},
		{
			name: "multiple slices",
			slices: []*discoveryv1.EndpointSlice{
				newTestEndpointSlice("es-1", "ns", "svc", 2, 0),
				newTestEndpointSlice("es-2", "ns", "svc", 1, 1),
			},
			wantReady: 3,
			wantTotal: 4,
		},
		{
			name: "nil ready condition counts as not ready",
			slices: []*discoveryv1.EndpointSlice{
				{
					ObjectMeta: metav1.ObjectMeta{Name: "es-nil", Namespace: "ns"},
					Endpoints: []discoveryv1.Endpoint{
						{Conditions: discoveryv1.EndpointConditions{Ready: nil}},
						{Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(true)}},
					},
				},
			},
			wantReady: 1,
			wantTotal: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready, total := aggregateEndpointReadiness(tt.slices)
			if ready != tt.wantReady {
				t.Errorf("ready = %d, want %d", ready, tt.wantReady)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
		})
	}
}

func TestReadyAddresses(t *testing.T) {
	b := newTestEndpointSlice("es-b", "ns", "svc", 1, 1)
	a := newTestEndpointSlice("es-a", "ns", "svc", 2, 0)
	a.Endpoints[0].Addresses = []string{"10.9.0.1"}
	a.Endpoints[1].Addresses = []string{"10.9.0.2"}

	got := readyAddresses([]*discoveryv1.EndpointSlice{b, a}, 8080)
	want := []string{"10.9.0.1:8080", "10.9.0.2:8080", "10.0.0.1:8080"}
	if len(got) != len(want) {
		t.Fatalf("readyAddresses() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("readyAddresses()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSlicePort(t *testing.T) {
	single := &discoveryv1.EndpointSlice{Ports: []discoveryv1.EndpointPort{{Port: int32Ptr(3000)}}}
	multi := &discoveryv1.EndpointSlice{Ports: []discoveryv1.EndpointPort{{Port: int32Ptr(3000)}, {Port: int32Ptr(9090)}}}
	none := &discoveryv1.EndpointSlice{}

	tests := []struct {
		name  string
		slice *discoveryv1.EndpointSlice
		want  int
		got   int
	}{
		{"matching port", multi, 9090, 9090},
		{"single port wins over configured", single, 80, 3000},
		{"ambiguous keeps configured", multi, 80, 80},
		{"no ports keeps configured", none, 80, 80},
	}
	for _, tt := range tests {
		if got := slicePort(tt.slice, tt.want); got != tt.got {
			t.Errorf("%s: slicePort() = %d, want %d", tt.name, got, tt.got)
		}
	}
}

func TestExtractNotReadyPodNames(t *testing.T) {
	slices := []*discoveryv1.EndpointSlice{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "es-1", Namespace: "ns"},
			Endpoints: []discoveryv1.Endpoint{
				{
					Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(false)},
					TargetRef:  &corev1.ObjectReference{Kind: "Pod", Name: "pod-a"},
				},
				{
					Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(false)},
					TargetRef:  &corev1.ObjectReference{Kind: "Pod", Name: "pod-a"}, // duplicate
				},
				{
					Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(true)},
					TargetRef:  &corev1.ObjectReference{Kind: "Pod", Name: "pod-ready"},
				},
				{
					Conditions: discoveryv1.EndpointConditions{Ready: nil}, // nil counts as not-ready
					TargetRef:  &corev1.ObjectReference{Kind: "Pod", Name: "pod-nil"},
				},
				{
					Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(false)},
					TargetRef:  &corev1.ObjectReference{Kind: "Service", Name: "not-a-pod"},
				},
			},
		},
	}

	got := extractNotReadyPodNames(slices)
	if len(got) != 2 {
		t.Fatalf("extractNotReadyPodNames() len = %d, want 2 (%v)", len(got), got)
	}
	if got[0] != "pod-a" || got[1] != "pod-nil" {
		t.Fatalf("extractNotReadyPodNames() = %v, want [pod-a pod-nil]", got)
	}
}

func TestEndpointSliceWatcher_RebindsToReadyEndpoint(t *testing.T) {
	es := newTestEndpointSlice("discount-abc", "dev", "discount", 2, 1)
	clientset := fake.NewSimpleClientset(es)
	store := newTestStore(t, "discount", "web")
	events := store.Subscribe()

	esw := NewEndpointSliceWatcher(clientset, store, nil)
	defer esw.StopAll()
	startWatcher(t, esw)

	esw.Bind([]Binding{{TargetID: "discount", Namespace: "dev", Service: "discount", Port: 8080}})

	tgt := waitForTarget(t, store, "discount", func(t *registry.Target) bool {
		return t.Address() == "10.0.0.1:8080"
	})
	if tgt.Liveness() != registry.LivenessUp {
		t.Errorf("liveness = %s, want UP", tgt.Liveness())
	}
	if tgt.HealthPath != "/healthz" {
		t.Errorf("rebinding lost target options: %+v", tgt)
	}

	web, _ := store.Current().Registry.Resolve("web")
	if web.Address() != "localhost:9000" {
		t.Errorf("unbound target changed: %s", web.Address())
	}

	select {
	case ev := <-events:
		if ev.Type != state.EventRegistered || ev.TargetID != "discount" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected registered event")
	}
	if esw.BoundCount() != 1 {
		t.Errorf("BoundCount() = %d, want 1", esw.BoundCount())
	}
}

func TestEndpointSliceWatcher_NoReadyEndpointsMarksDown(t *testing.T) {
	es := newTestEndpointSlice("discount-abc", "dev", "discount", 0, 2)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "discount-abc-pod-a", Namespace: "dev"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				State:        corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
				RestartCount: 7,
			}},
		},
	}
	clientset := fake.NewSimpleClientset(es, pod)
	store := newTestStore(t, "discount")
	events := store.Subscribe()

	esw := NewEndpointSliceWatcher(clientset, store, nil)
	defer esw.StopAll()
	startWatcher(t, esw)

	esw.Bind([]Binding{{TargetID: "discount", Namespace: "dev", Service: "discount", Port: 8080}})

	tgt := waitForTarget(t, store, "discount", func(t *registry.Target) bool {
		return t.Liveness() == registry.LivenessDown
	})
	if tgt.Address() != "localhost:9000" {
		t.Errorf("DOWN target should keep its address, got %s", tgt.Address())
	}

	select {
	case ev := <-events:
		if ev.Type != state.EventLiveness || ev.Liveness != registry.LivenessDown {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Error != "CrashLoopBackOff, 7 restart(s)" {
			t.Errorf("expected pod diagnostic in event, got %q", ev.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("expected liveness event")
	}
}

func TestEndpointSliceWatcher_FollowsUpdates(t *testing.T) {
	es := newTestEndpointSlice("discount-abc", "dev", "discount", 1, 0)
	clientset := fake.NewSimpleClientset(es)
	store := newTestStore(t, "discount")

	esw := NewEndpointSliceWatcher(clientset, store, nil)
	defer esw.StopAll()
	startWatcher(t, esw)
	esw.Bind([]Binding{{TargetID: "discount", Namespace: "dev", Service: "discount", Port: 8080}})

	waitForTarget(t, store, "discount", func(t *registry.Target) bool {
		return t.Address() == "10.0.0.1:8080"
	})

	// Give the fake watch time to establish before mutating
	time.Sleep(100 * time.Millisecond)

	updated := es.DeepCopy()
	updated.Endpoints[0].Addresses = []string{"10.0.0.42"}
	if _, err := clientset.DiscoveryV1().EndpointSlices("dev").Update(context.Background(), updated, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	waitForTarget(t, store, "discount", func(t *registry.Target) bool {
		return t.Address() == "10.0.0.42:8080"
	})
}

func TestEndpointSliceWatcher_KeepsCurrentEndpointWhileReady(t *testing.T) {
	es := newTestEndpointSlice("discount-abc", "dev", "discount", 3, 0)
	clientset := fake.NewSimpleClientset(es)
	store := newTestStore(t, "discount")

	// already pointed at the second ready endpoint
	reg := store.Current().Registry
	if _, err := reg.Register("discount", "10.0.0.2:8080", "http"); err != nil {
		t.Fatal(err)
	}
	before, _ := reg.Resolve("discount")

	esw := NewEndpointSliceWatcher(clientset, store, nil)
	defer esw.StopAll()
	startWatcher(t, esw)
	esw.Bind([]Binding{{TargetID: "discount", Namespace: "dev", Service: "discount", Port: 8080}})

	after := waitForTarget(t, store, "discount", func(t *registry.Target) bool {
		return t.Liveness() == registry.LivenessUp
	})
	if after != before {
		t.Error("target should not be replaced while its endpoint stays ready")
	}
}

func TestEndpointSliceWatcher_UnsyncedCacheDoesNotMarkDown(t *testing.T) {
	store := newTestStore(t, "discount")
	esw := &EndpointSliceWatcher{
		store:    store,
		bindings: map[string][]Binding{"dev/discount": {{TargetID: "discount", Namespace: "dev", Service: "discount", Port: 8080}}},
	}
	esw.informer = newUnsyncedInformer()

	esw.sync("dev", "discount")

	tgt, _ := store.Current().Registry.Resolve("discount")
	if tgt.Liveness() != registry.LivenessUnknown {
		t.Errorf("liveness = %s, want UNKNOWN before cache sync", tgt.Liveness())
	}
}

func TestEndpointSliceWatcher_StopAllClearsBindings(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	store := newTestStore(t, "a", "b")

	esw := NewEndpointSliceWatcher(clientset, store, nil)
	esw.Bind([]Binding{
		{TargetID: "a", Namespace: "ns-a", Service: "svc-a", Port: 80},
		{TargetID: "b", Namespace: "ns-b", Service: "svc-b", Port: 80},
	})
	if esw.BoundCount() != 2 {
		t.Fatalf("BoundCount() = %d, want 2", esw.BoundCount())
	}

	esw.StopAll()
	if esw.BoundCount() != 0 {
		t.Errorf("expected 0 bindings after StopAll, got %d", esw.BoundCount())
	}
}
