// Package notifier turns price events into per-user notification rows.
//
// # Processing
//
// Processor.Process handles one event inside a single store transaction:
// it takes a non-blocking advisory lock on the event id, re-reads the row,
// matches active subscriptions, drops recipients notified about the same
// event type within the dedup window, inserts the remaining rows
// idempotently and marks the event processed. Lock contention and already
// processed events are outcomes, not errors.
//
// # Failures
//
// Processor.Handle is the boundary used by every caller. Errors go to the
// FailureHandler, which bumps retry_count and quarantines the event in
// dead_letter_events once it reaches the retry limit.
//
// # Intake
//
// The Listener feeds ids from the database's live channel into the
// Dispatcher's bounded worker pool. The Reconciler sweeps unprocessed
// events at startup, after every reconnect and on a cron schedule, so
// nothing depends on the live channel for correctness.
package notifier
