// Package dispatch serializes motion intents onto the actuator channel.
//
// The dispatcher accepts intents from the safety loop, encodes them to the
// line protocol and writes them to the actuator one at a time.
//
// Key features:
//   - Unbounded FIFO: Submit never blocks the caller
//   - At most one write in flight; lines are never interleaved
//   - Per-write timeout; a stuck write is aborted by resetting the link
//   - One DispatchResult signal per submitted intent, success or failure
//
// Error handling:
//   - Encoding error → DispatchFailed, nothing written
//   - Write error → DispatchFailed
//   - Timeout → DispatchFailed wrapping ErrWriteTimeout
//
// The dispatcher never retries. Retry and fail-safe policy belong to the
// safety loop, which sees every result in queue order.
//
// Shutdown: when Run's context ends, intents already queued are still
// written before Run returns, so a final Stop submitted during shutdown
// reaches the actuator.
package dispatch
