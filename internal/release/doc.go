// Package release decides when unused assets leave the registry. A Scheduler
// receives zero-reference notifications and applies the active strategy:
// evict at once, evict after a delay, or leave eviction to explicit calls.
// Delayed evictions share one timer armed for the earliest deadline, and every
// eviction rechecks the reference count at the moment it runs.
package release
