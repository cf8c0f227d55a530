package unit

import (
	"time"

	"github.com/taskloom/taskloom/id"
)

// Requirement is a directed edge meaning Dependent cannot become READY
// until Dependency has SUCCEEDED. Edges are created by application code or
// by workers spawning dependent work; they are never mutated, only
// consulted. The full set forms a DAG — stores reject edges that would
// close a cycle.
type Requirement struct {
	DependentID  id.UnitID `json:"dependent_id"`
	DependencyID id.UnitID `json:"dependency_id"`
	CreatedAt    time.Time `json:"created_at"`
}
