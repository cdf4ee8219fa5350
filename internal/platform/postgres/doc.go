// Package postgres provides the PostgreSQL implementation of store.JobStore.
// It handles the details of database connections, query execution, and data
// mapping between queue items and database records. Status changes are single
// conditional UPDATE statements whose affected-row count decides claim and
// cancellation races.
package postgres
