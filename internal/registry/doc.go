// Package registry owns the identity map of loaded assets: one entry per
// path with its reference count, last access time and reported dependencies.
// A Registry is safe for concurrent use; every entry mutation happens under a
// single mutex, and the zero-ref hook is always invoked after the lock is
// dropped so the release scheduler may call straight back in. Evicted asset
// instances are never registered again; Acquire reloads instead.
package registry
