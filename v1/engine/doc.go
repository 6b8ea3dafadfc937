// Package engine processes transactions with exactly-once effect per id.
//
// Engine.Process runs one attempt under the transaction's distributed lock.
// Service wraps Engine with the resilience policy and adds asynchronous and
// batch entry points. Redriver periodically re-submits failed transactions.
package engine
