package model

// DbSyncPort phases.
const (
	PhaseUnprovisioned   = "unprovisioned"
	PhaseProvisioned     = "provisioned"
	PhasePendingDeletion = "pending_deletion"
)

// Teardown modes applied when a port is deleted.
const (
	CleanupDrop    = "drop"
	CleanupDisable = "disable"
)
