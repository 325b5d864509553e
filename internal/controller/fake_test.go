package controller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/edvin/dbsync/internal/credential"
	"github.com/edvin/dbsync/internal/metrics"
	"github.com/edvin/dbsync/internal/model"
)

// fakeCluster stores ports the way the API server does for finalizers:
// deleting a port that holds finalizers only marks it terminating, and it
// disappears once the last finalizer is removed.
// Every write bumps the resourceVersion, and status patches carrying an
// outdated one are rejected.
type fakeCluster struct {
	mu       sync.Mutex
	ports    map[string]*model.DbSyncPort
	rv       int
	patchErr error
	// afterLatest runs outside the lock once Latest has read a port.
	afterLatest func()
}

func newFakeCluster(ports ...*model.DbSyncPort) *fakeCluster {
	c := &fakeCluster{ports: make(map[string]*model.DbSyncPort)}
	for _, p := range ports {
		p = clonePort(p)
		c.bump(p)
		c.ports[p.Key()] = p
	}
	return c
}

func (c *fakeCluster) bump(p *model.DbSyncPort) {
	c.rv++
	p.ResourceVersion = strconv.Itoa(c.rv)
}

// setStatus writes status as another client would.
func (c *fakeCluster) setStatus(key string, status model.DbSyncPortStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.ports[key]
	p.Status = &status
	c.bump(p)
}

func clonePort(p *model.DbSyncPort) *model.DbSyncPort {
	out := *p
	out.Finalizers = append([]string(nil), p.Finalizers...)
	if p.Status != nil {
		st := *p.Status
		out.Status = &st
	}
	return &out
}

func (c *fakeCluster) Get(key string) (*model.DbSyncPort, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[key]
	if !ok {
		return nil, false, nil
	}
	return clonePort(p), true, nil
}

func (c *fakeCluster) mustGet(t *testing.T, key string) *model.DbSyncPort {
	t.Helper()
	p, ok, _ := c.Get(key)
	require.True(t, ok, "port %s not found", key)
	return p
}

func (c *fakeCluster) exists(key string) bool {
	_, ok, _ := c.Get(key)
	return ok
}

func (c *fakeCluster) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[key]
	if !ok {
		return
	}
	if len(p.Finalizers) == 0 {
		delete(c.ports, key)
		return
	}
	now := metav1.Now()
	p.DeletionTimestamp = &now
	c.bump(p)
}

func (c *fakeCluster) Latest(_ context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error) {
	c.mu.Lock()
	p, ok := c.ports[port.Key()]
	if ok {
		p = clonePort(p)
	}
	c.mu.Unlock()
	if !ok {
		return nil, model.ControlPlaneError("get", errors.New("not found"))
	}
	if c.afterLatest != nil {
		c.afterLatest()
	}
	return p, nil
}

func (c *fakeCluster) AddFinalizer(_ context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[port.Key()]
	if !ok {
		return nil, model.ControlPlaneError("add finalizer", errors.New("not found"))
	}
	if !p.HasFinalizer(model.Finalizer) {
		p.Finalizers = append(p.Finalizers, model.Finalizer)
		c.bump(p)
	}
	return clonePort(p), nil
}

func (c *fakeCluster) RemoveFinalizer(_ context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[port.Key()]
	if !ok {
		return nil, model.ControlPlaneError("remove finalizer", errors.New("not found"))
	}
	var kept []string
	for _, f := range p.Finalizers {
		if f != model.Finalizer {
			kept = append(kept, f)
		}
	}
	p.Finalizers = kept
	c.bump(p)
	if p.DeletionTimestamp != nil && len(kept) == 0 {
		delete(c.ports, port.Key())
	}
	return clonePort(p), nil
}

func (c *fakeCluster) PatchStatus(_ context.Context, port *model.DbSyncPort, status model.DbSyncPortStatus) (*model.DbSyncPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patchErr != nil {
		return nil, model.ControlPlaneError("patch status", c.patchErr)
	}
	p, ok := c.ports[port.Key()]
	if !ok {
		return nil, model.ControlPlaneError("patch status", errors.New("not found"))
	}
	if port.ResourceVersion != "" && port.ResourceVersion != p.ResourceVersion {
		return nil, model.ControlPlaneError("patch status", errors.New("the object has been modified"))
	}
	p.Status = &status
	c.bump(p)
	return clonePort(p), nil
}

// fakeStore is an endpoint with scripted failures.
type fakeStore struct {
	mu         sync.Mutex
	roles      map[string]string
	disabled   map[string]bool
	failCreate int
	failDrop   int
	calls      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{roles: make(map[string]string), disabled: make(map[string]bool)}
}

func (s *fakeStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *fakeStore) Exists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roles[username]
	return ok, nil
}

func (s *fakeStore) Create(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create " + username)
	if s.failCreate > 0 {
		s.failCreate--
		return model.DatabaseError("create role "+username, errors.New("connection reset"))
	}
	s.roles[username] = password
	delete(s.disabled, username)
	return nil
}

func (s *fakeStore) Enable(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("enable " + username)
	if _, ok := s.roles[username]; !ok {
		return model.DatabaseError("enable role "+username, credential.ErrRoleNotFound)
	}
	s.roles[username] = password
	delete(s.disabled, username)
	return nil
}

func (s *fakeStore) Drop(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("drop " + username)
	if s.failDrop > 0 {
		s.failDrop--
		return model.DatabaseError("drop role "+username, errors.New("connection reset"))
	}
	delete(s.roles, username)
	return nil
}

func (s *fakeStore) Disable(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("disable " + username)
	if _, ok := s.roles[username]; ok {
		s.disabled[username] = true
	}
	return nil
}

func (s *fakeStore) password(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.roles[username]
	return p, ok
}

type harness struct {
	cluster *fakeCluster
	stores  []*fakeStore
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	rec     *Reconciler
}

// newHarness wires a reconciler to a fake cluster and endpoints stores for
// network preprod.
func newHarness(t *testing.T, endpoints int, cleanupMode string, ports ...*model.DbSyncPort) *harness {
	t.Helper()

	h := &harness{cluster: newFakeCluster(ports...), reg: prometheus.NewRegistry()}
	h.metrics = metrics.New(h.reg)

	var targets []credential.Target
	for i := 0; i < endpoints; i++ {
		s := newFakeStore()
		h.stores = append(h.stores, s)
		targets = append(targets, credential.Target{Endpoint: string(rune('a' + i)), Store: s})
	}
	router := credential.NewStaticRouter(map[string][]credential.Target{"preprod": targets})
	h.rec = NewReconciler(zerolog.Nop(), h.cluster, router, h.metrics, cleanupMode)
	return h
}

func (h *harness) handle(t *testing.T, key string) (Action, error) {
	t.Helper()
	return h.rec.Handle(context.Background(), h.cluster.mustGet(t, key))
}

func (h *harness) hasLock(key string) bool {
	_, ok := h.rec.locks.Load(key)
	return ok
}

func (h *harness) counter(name string, labels map[string]string) float64 {
	families, err := h.reg.Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metric:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func newPort(namespace, name, network string) *model.DbSyncPort {
	return &model.DbSyncPort{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       model.DbSyncPortSpec{Network: network},
	}
}
