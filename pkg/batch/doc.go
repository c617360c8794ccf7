// Package batch executes many independent RDAP queries with bounded
// concurrency and a chosen error-tolerance mode.
//
// Workers pull items from a shared queue: a worker that finishes a fast
// query immediately pulls the next one, so fast lookups never wait on slow
// ones in the same "round". Every input item produces exactly one Result,
// success or failure; a failing item never terminates the batch silently.
//
// Example usage:
//
//	proc := batch.NewProcessor(orchestrator)
//	results := proc.Process(ctx, items, batch.DefaultOptions())
//	summary := batch.AnalyzeResults(results)
//
// Options:
//   - Concurrency bounds the worker pool (default 5).
//   - ContinueOnError records failures and keeps going (the default);
//     when disabled, the first terminal failure lets in-flight workers
//     finish and abandons queued items with a cancellation error.
//   - PreserveOrder returns results in input order regardless of
//     completion order; otherwise results arrive in completion order,
//     which reduces latency-to-first-result for streaming consumers.
//   - PerItemTimeout races each item against a timer without affecting
//     sibling items.
package batch
