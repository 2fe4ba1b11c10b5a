// Package server hosts the Fiber HTTP service, request middleware chain, and
// proxy-target resolution that turns absolute request URIs into upstream
// targets for the proxy handlers. It also owns the outbound HTTP client, so
// every upstream fetch shares one transport, resolver, and timeout policy.
// Diagnostics live under the /-/ prefix and bypass proxy resolution.
package server
