// Package lock provides the distributed mutual exclusion used to guarantee
// that at most one txflow instance works on a transaction id at a time.
//
// A Backend hands out a Handle on successful acquisition and only that
// Handle can release the lock. Every lock carries a lease so a crashed
// holder blocks others for at most the lease duration. Coordinator wraps a
// Backend with scoped acquisition: WithLock runs a function while the lock is
// held and releases it on every exit path.
package lock
