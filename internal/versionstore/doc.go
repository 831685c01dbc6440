// Package versionstore keeps the last known version of each asset path and
// compares it against a remote version authority. Local records persist in a
// key-value store under "version_<path>"; remote comparisons are memoized per
// path until ClearCache. Version checks fail open: any authority or parsing
// error yields a record with NeedsUpdate false so asset loading is never
// blocked by a version service outage.
package versionstore
