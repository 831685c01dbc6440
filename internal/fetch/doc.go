// Package fetch implements the fetch primitive the loader depends on. A
// Router resolves each path once into an asset.Source and dispatches to the
// LocalFetcher (bundles kept in the disk store) or the RemoteFetcher (HTTP
// with a bounded retry policy and a write-through copy in the disk store).
// The fetch layer owns every give-up decision; callers never retry.
package fetch
