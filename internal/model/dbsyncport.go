package model

import (
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	Group    = "demeter.run"
	Version  = "v1alpha1"
	Kind     = "DbSyncPort"
	ListKind = "DbSyncPortList"
	Plural   = "dbsyncports"

	// Finalizer holds deletion of a DbSyncPort until its credentials are gone.
	Finalizer = Plural + "." + Group

	// ServiceType identifies the resource family on consumption metrics.
	ServiceType = Plural + "." + Group
)

// DefaultNetworks are the networks advertised in the generated CRD schema.
var DefaultNetworks = []string{"mainnet", "preprod", "preview"}

type DbSyncPortSpec struct {
	Network string `json:"network"`
	Tier    string `json:"tier,omitempty"`
}

type DbSyncPortStatus struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DbSyncPort requests read-only access to the db-sync database of one network.
type DbSyncPort struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DbSyncPortSpec    `json:"spec"`
	Status *DbSyncPortStatus `json:"status,omitempty"`
}

type DbSyncPortList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DbSyncPort `json:"items"`
}

// Key returns the namespace/name key used by the work queue.
func (p *DbSyncPort) Key() string {
	if p.Namespace == "" {
		return p.Name
	}
	return p.Namespace + "/" + p.Name
}

// Provisioned reports whether credentials were issued for this port.
func (p *DbSyncPort) Provisioned() bool {
	return p.Status != nil && p.Status.Username != ""
}

// Terminating reports whether deletion was requested.
func (p *DbSyncPort) Terminating() bool {
	return p.DeletionTimestamp != nil
}

func (p *DbSyncPort) HasFinalizer(name string) bool {
	for _, f := range p.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

// Phase maps the port onto the provisioning state machine.
func (p *DbSyncPort) Phase() string {
	switch {
	case p.Terminating():
		return PhasePendingDeletion
	case p.Provisioned():
		return PhaseProvisioned
	default:
		return PhaseUnprovisioned
	}
}

// Project returns the project id of the tenant owning the port.
func (p *DbSyncPort) Project() string {
	return ProjectID(p.Namespace)
}

// ProjectID extracts the project id from a tenant namespace ("prj-<id>").
// Namespaces without the prefix are used verbatim.
func ProjectID(namespace string) string {
	if id, ok := strings.CutPrefix(namespace, "prj-"); ok && id != "" {
		return id
	}
	return namespace
}

// Owner identifies who is billed for a provisioned username.
type Owner struct {
	Project  string
	Resource string
	Tier     string
}

// Owner returns the billing identity of the port.
func (p *DbSyncPort) Owner() Owner {
	return Owner{Project: p.Project(), Resource: p.Name, Tier: p.Spec.Tier}
}
