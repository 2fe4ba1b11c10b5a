// Package cache implements the shared on-disk cache entries behind the proxy.
// A request URL maps to StoragePath/<host>:<port>/<path>; partially downloaded
// files carry the incomplete suffix until their size matches the upstream
// total. Each entry has at most one writer, which negotiates with the upstream
// through a Protocol and appends to the file, and any number of readers that
// stream whatever byte range they asked for as it becomes available. The
// Manager deduplicates concurrent requests for the same file so late arrivals
// join the running download instead of starting their own.
package cache
