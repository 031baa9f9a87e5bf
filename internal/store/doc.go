// Package store is the persistence boundary of the worker.
//
// It defines the Store and Tx interfaces the notifier works against and
// picks a driver at startup:
//   - "postgres": the production data platform (advisory locks, LISTEN/NOTIFY)
//   - "sqlite":   a single-process driver for local runs and SQL-level tests
package store
