package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/dbsync/internal/credential"
	"github.com/edvin/dbsync/internal/metrics"
	"github.com/edvin/dbsync/internal/model"
)

const (
	// DriftInterval re-checks provisioned ports.
	DriftInterval = 5 * time.Minute
	// RetryDelay follows every failed attempt.
	RetryDelay = 5 * time.Second
)

// Action tells the caller when to look at a port again. A zero Action
// waits for the next change event.
type Action struct {
	RequeueAfter time.Duration
}

// PortClient reads live DbSyncPorts and writes their metadata and status.
type PortClient interface {
	Latest(ctx context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error)
	AddFinalizer(ctx context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error)
	RemoveFinalizer(ctx context.Context, port *model.DbSyncPort) (*model.DbSyncPort, error)
	PatchStatus(ctx context.Context, port *model.DbSyncPort, status model.DbSyncPortStatus) (*model.DbSyncPort, error)
}

// TargetResolver returns the credential stores of every endpoint of a network.
type TargetResolver interface {
	Targets(network string) ([]credential.Target, error)
}

// Reconciler converges database roles onto DbSyncPort resources.
type Reconciler struct {
	logger      zerolog.Logger
	client      PortClient
	targets     TargetResolver
	metrics     *metrics.Metrics
	cleanupMode string

	// Per-resource mutex so attempts for one port never overlap.
	locks sync.Map

	newPassword func() (string, error)
}

func NewReconciler(logger zerolog.Logger, client PortClient, targets TargetResolver, m *metrics.Metrics, cleanupMode string) *Reconciler {
	if cleanupMode == "" {
		cleanupMode = model.CleanupDrop
	}
	return &Reconciler{
		logger:      logger.With().Str("component", "reconciler").Logger(),
		client:      client,
		targets:     targets,
		metrics:     m,
		cleanupMode: cleanupMode,
		newPassword: credential.NewPassword,
	}
}

// LockResource acquires the mutex of a port key. Returns an unlock function.
func (r *Reconciler) LockResource(key string) func() {
	mu, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// forget drops the mutex of a port that no longer exists.
func (r *Reconciler) forget(key string) {
	r.locks.Delete(key)
}

// Handle runs one attempt of the deletion protocol for port. Active ports get
// the finalizer and are reconciled; terminating ports holding the finalizer
// are cleaned up and released.
func (r *Reconciler) Handle(ctx context.Context, port *model.DbSyncPort) (Action, error) {
	unlock := r.LockResource(port.Key())
	defer unlock()

	if port.Terminating() {
		if !port.HasFinalizer(model.Finalizer) {
			return Action{}, nil
		}
		if err := r.Cleanup(ctx, port); err != nil {
			return Action{}, err
		}
		if _, err := r.client.RemoveFinalizer(ctx, port); err != nil {
			return Action{}, err
		}
		r.forget(port.Key())
		return Action{}, nil
	}

	port, err := r.client.AddFinalizer(ctx, port)
	if err != nil {
		return Action{}, err
	}
	return r.Reconcile(ctx, port)
}

// Reconcile provisions credentials for a port without status on every
// endpoint of its network. Provisioned ports are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, port *model.DbSyncPort) (Action, error) {
	targets, err := r.targets.Targets(port.Spec.Network)
	if err != nil {
		return Action{}, err
	}
	if port.Provisioned() {
		return Action{RequeueAfter: DriftInterval}, nil
	}

	// The cached copy may predate the status write of an earlier attempt.
	live, err := r.client.Latest(ctx, port)
	if err != nil {
		return Action{}, err
	}
	if live.Provisioned() {
		r.log(ctx).Debug().Str("namespace", port.Namespace).Str("name", port.Name).
			Msg("stale cache, port already provisioned")
		return Action{RequeueAfter: DriftInterval}, nil
	}
	port = live

	username, err := credential.Username(port.Name, port.Namespace)
	if err != nil {
		return Action{}, err
	}
	password, err := r.newPassword()
	if err != nil {
		return Action{}, model.EncodingError("generate password", err)
	}

	err = fanOut(ctx, targets, func(ctx context.Context, s credential.Store) error {
		return s.Create(ctx, username, password)
	})
	if err != nil {
		return Action{}, fmt.Errorf("create %s: %w", username, err)
	}

	status := model.DbSyncPortStatus{Username: username, Password: password}
	if _, err := r.client.PatchStatus(ctx, port, status); err != nil {
		return Action{}, err
	}

	r.metrics.UserCreated(port.Project(), port.Spec.Network)
	r.log(ctx).Info().
		Str("namespace", port.Namespace).
		Str("name", port.Name).
		Str("network", port.Spec.Network).
		Str("username", username).
		Int("endpoints", len(targets)).
		Msg("user created")

	return Action{RequeueAfter: DriftInterval}, nil
}

// Cleanup removes the port's role from every endpoint of its network, or
// revokes its login when the cleanup mode is disable.
func (r *Reconciler) Cleanup(ctx context.Context, port *model.DbSyncPort) error {
	username, err := r.usernameOf(port)
	if err != nil {
		return err
	}

	targets, err := r.targets.Targets(port.Spec.Network)
	if err != nil {
		if !port.Provisioned() {
			// Nothing can have been created on a network we cannot reach.
			r.log(ctx).Warn().Err(err).Str("namespace", port.Namespace).Str("name", port.Name).
				Msg("releasing unprovisioned port on unknown network")
			return nil
		}
		return err
	}

	teardown := func(ctx context.Context, s credential.Store) error { return s.Drop(ctx, username) }
	if r.cleanupMode == model.CleanupDisable {
		teardown = func(ctx context.Context, s credential.Store) error { return s.Disable(ctx, username) }
	}
	if err := fanOut(ctx, targets, teardown); err != nil {
		return fmt.Errorf("%s %s: %w", r.cleanupMode, username, err)
	}

	if port.Provisioned() {
		r.metrics.UserDropped(port.Project(), port.Spec.Network)
	}
	r.log(ctx).Info().
		Str("namespace", port.Namespace).
		Str("name", port.Name).
		Str("network", port.Spec.Network).
		Str("username", username).
		Str("mode", r.cleanupMode).
		Msg("user removed")
	return nil
}

// ErrorPolicy records a failed attempt and schedules a retry.
func (r *Reconciler) ErrorPolicy(ctx context.Context, port *model.DbSyncPort, err error) Action {
	kind := model.KindOf(err)
	r.metrics.ReconcileFailure(port.Name, kind)
	r.log(ctx).Error().Err(err).
		Str("namespace", port.Namespace).
		Str("name", port.Name).
		Str("kind", string(kind)).
		Msg("reconcile failed")
	return Action{RequeueAfter: RetryDelay}
}

// log prefers the request-scoped logger carried by ctx.
func (r *Reconciler) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &r.logger
}

func (r *Reconciler) usernameOf(port *model.DbSyncPort) (string, error) {
	if port.Provisioned() {
		return port.Status.Username, nil
	}
	// A status patch may have failed after the role was created.
	return credential.Username(port.Name, port.Namespace)
}

// fanOut applies fn to every target. All targets are attempted; the result
// fails if any of them failed.
func fanOut(ctx context.Context, targets []credential.Target, fn func(context.Context, credential.Store) error) error {
	var errs []error
	for _, t := range targets {
		if err := fn(ctx, t.Store); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", t.Endpoint, err))
		}
	}
	return errors.Join(errs...)
}
