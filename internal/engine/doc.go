// Package engine owns one asset cache context. It builds the disk store,
// fetchers, version store, registry, loader and release scheduler from a
// Config and wires their callbacks together, so callers hold a single value
// instead of reaching for process-wide singletons. Several engines may coexist
// in one process, which is how the tests use it.
package engine
