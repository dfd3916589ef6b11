// Package server hosts the Fiber HTTP service that exposes the source
// resolver over HTTP. It wires request-id middleware, the /-/resolve handler,
// the shared upstream http.Client, and the VolumeSet built from [[Volume]]
// configuration. Diagnostics endpoints live in the routes subpackage so they
// can be mounted without pulling handler internals into callers.
package server
