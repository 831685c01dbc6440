// Package loader resolves asset paths into cached assets. Every miss becomes
// a pending load in a priority queue (highest priority first, FIFO among
// equals) that is drained by at most MaxConcurrentLoads workers. Requests for
// a path that is already queued or running join the outstanding load instead
// of issuing a second fetch. When a version authority is configured the
// loader asks the version store whether the path needs an update before it
// serves the asset.
package loader
