// Package postgres implements the flowbatch stores on PostgreSQL through the
// pgx database/sql driver: the artifact output sink, the task run history and
// the embedded goose migrations that create their tables.
//
// Every store maps driver failures onto the sentinels of package store with
// MapError so callers never depend on pgconn error codes.
package postgres
