// Package store defines the persistence contracts used by flowbatch: the
// DBTX abstraction shared by SQL stores, transaction handling, the run
// history entity and the sentinel errors every store maps its failures to.
package store
