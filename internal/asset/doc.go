// Package asset defines the value types shared by the registry, loader and
// release scheduler: the cached Asset handle, load priorities, the closed
// Source variant that decides between local bundles and remote URLs, and the
// error taxonomy surfaced to callers of acquire/load.
package asset
