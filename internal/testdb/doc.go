// Package testdb provides utilities for PostgreSQL integration tests.
//
// Tests obtain a migrated connection with GetTestDBWithT, which skips the test
// when DATABASE_URL is not set, and isolate their writes with WithTx:
//
//	func TestJobStoreCreate(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        s := postgres.NewPostgresJobStore(tx, nil)
//	        // ...
//	    })
//	}
//
// Tests that need several connections at once (claim races) use the *sql.DB
// directly and scope their rows to freshly generated project ids.
package testdb
