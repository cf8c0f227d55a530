// Package bunstore implements unit.Store using the Bun ORM with PostgreSQL
// dialect. This is the production backend: lease claims compile to atomic
// conditional updates, and InTx maps to a database transaction, so multiple
// engine processes can share one database safely.
//
// The caller owns the *bun.DB lifecycle. Pass the handle through the
// constructor:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/taskloom/taskloom/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(...))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
package bunstore
