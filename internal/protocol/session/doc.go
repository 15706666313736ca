// Package session maps replicator transfer messages onto framed TLV wire
// messages and holds the link reliability settings (timeouts, reconnect
// backoff) used by the network transport.
package session
