// Package server hosts the Fiber HTTP surface that host processes use to
// reach an asset cache engine. NewApp installs recovery and request-ID
// middleware and serves asset bytes under /assets/, taking and returning a
// reference around each response. Admin and diagnostics routes live under
// /-/ and are registered by the routes subpackage so that the core app stays
// small and accepts explicit dependencies.
package server
