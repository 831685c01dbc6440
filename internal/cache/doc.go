// Package cache defines the disk-backed store that holds local asset bundles
// and the write-through copies of remote downloads under
// StoragePath/<bundle>/<path>. Writes go through a temp file + rename so a
// concurrent reader never observes a half-written asset, and a per-locator
// lock serializes writers. The fetch layer reads bundles through this store
// and the version store's hot-update path writes refreshed bytes into it.
package cache
