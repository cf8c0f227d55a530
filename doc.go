// Package taskloom is a database-backed, dependency-aware work execution
// engine. Many dispatcher processes poll a shared relational store, claim
// work units under time-bounded exclusive leases, execute registered
// workers, and commit each outcome — together with any work the worker
// spawned — in a single transaction.
//
// Taskloom is a library, not a service. Embed it, configure a store,
// register a worker per payload kind, and seed work units.
//
// # Quick start
//
//	eng, err := engine.Build(store,
//	    engine.WithConfig(taskloom.Config{Dispatchers: 4}),
//	)
//	engine.Register(eng, unit.NewDefinition("send-email", sendEmail))
//	eng.Start(ctx)
//
// # Architecture
//
// The unit package owns the data model and contracts: WorkUnit, the
// requirement DAG, the exception taxonomy, and the Store/Tx interfaces.
// A backend (Postgres via bun, SQLite, or memory) implements Store. The
// dispatcher package runs the polling loop and the transactional
// executor. The engine package wires everything together.
//
// All entity IDs are TypeIDs — type-prefixed, K-sortable, UUIDv7-based.
package taskloom
