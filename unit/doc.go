// Package unit defines the work unit data model and the contracts the rest
// of the engine is built on: lifecycle states, the requirement DAG, the
// transient/permanent exception taxonomy, the Worker capability with its
// transaction-bound hooks, the kind-keyed worker registry, and the Store/Tx
// persistence interfaces.
package unit
