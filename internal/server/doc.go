// Package server hosts the Fiber HTTP service that exposes the image cache:
// /image streams cached payloads (or redirects to the original URI when the
// cache path fails), and the /-/ diagnostics routes report resolve results,
// cache stats and Prometheus metrics, or clear the cache directory.
// Dependencies are passed in explicitly so tests can build an app around a
// temporary cache.Service.
package server
