// Package postgres provides the PostgreSQL connection, schema migrations
// and small SQL helpers shared by the retry queue, outbox and webhook stores.
//
// Every tenant-scoped table carries a tenant_id column and every statement
// issued by those stores filters on it.
package postgres
