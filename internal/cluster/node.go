// Package cluster tracks silo membership in the shared KV and owns the
// cell-to-node placement map. Every activation is fenced by a KV lease so an
// identity can never run on two silos at once.
package cluster

import (
	"time"
)

// NodeID uniquely identifies one silo process for the lifetime of the process.
type NodeID string

// NodeRecord is the membership heartbeat each silo publishes into the shared
// KV. Nodes whose heartbeat is older than the failure timeout are declared
// dead; their cells become eligible for reactivation elsewhere.
type NodeRecord struct {
	ID          NodeID    `json:"id"`
	Endpoint    string    `json:"endpoint"` // silo-to-silo invoke address
	HeartbeatAt time.Time `json:"heartbeatAt"`
	Incarnation int64     `json:"incarnation"`
}

// Alive reports whether the record's heartbeat is fresh at the given instant.
func (r NodeRecord) Alive(now time.Time, failureTimeout time.Duration) bool {
	return now.Sub(r.HeartbeatAt) <= failureTimeout
}
