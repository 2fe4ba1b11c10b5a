// Package upstream talks to origin servers on behalf of the cache. HTTPProtocol
// and FTPProtocol implement cache.Protocol: given what is already on disk they
// decide whether the copy is still current, must be revoked, or needs bytes
// from some offset, and hand back a Stream positioned at that offset.
// BlindTransfer relays requests that are never cached. Resolver keeps a short
// lived host lookup cache shared by every dialer in the process.
package upstream
