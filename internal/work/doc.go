// Package work implements job execution: the handler registry, the
// dispatcher, and the poll loop that drives them.
//
// # Execution Model
//
// Jobs are claimed from the durable queue in bounded batches and executed
// one at a time, in claim order:
//
//   - The Processor wakes on a fixed poll interval (or an explicit Trigger)
//     and asks the Dispatcher for one batch.
//   - The Dispatcher claims due jobs atomically (the claim itself flips
//     status to running and counts the attempt), looks up the handler for
//     each job's type, invokes it, and commits the outcome per job.
//   - Outcomes: success marks the job done with the handler's result;
//     failure requeues the job while attempts remain, otherwise marks it
//     failed. An unknown job type is terminal immediately, whatever the
//     remaining budget.
//
// No error escapes the loop: claim failures produce an empty batch, commit
// failures are logged and left for crash recovery, handler panics are not
// caught (a handler that panics is a programming error, not a job failure).
//
// # Handlers
//
// Two kinds of handlers are registered at startup:
//
//   - Delegating handlers (refresh_prices, evaluate_alerts, generate_digest,
//     parse_statement, run_backtest) forward the job payload to a downstream
//     platform service over HTTP and store the 2xx response body as the
//     job's result.
//   - Self-contained handlers (health_check, backup_queue) perform the work
//     in-process: database integrity checks and queue snapshots uploaded to
//     object storage.
//
// # Retry Policy
//
// Retries are immediate by default: a requeued job keeps its run_after and
// becomes eligible on the next poll. Setting RETRY_BACKOFF_BASE enables
// exponential backoff with jitter, advancing run_after on each requeue.
package work
