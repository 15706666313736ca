// Package transport delivers replicator messages between peers, either
// in-process (Hub) or over the network (Net: TCP for the reliable class,
// UDP datagrams for the unreliable class).
package transport

import (
	"errors"

	"github.com/danmuck/audiocast/internal/replicator"
)

// GroupAll addresses every known peer except the sender.
const GroupAll replicator.PeerGroup = "all"

var (
	ErrUnknownGroup = errors.New("transport: unknown peer group")
	ErrClosed       = errors.New("transport: closed")
	ErrNotAttached  = errors.New("transport: no dispatcher attached")
)

// Dispatcher consumes delivered messages. *replicator.Replicator satisfies it.
type Dispatcher interface {
	Dispatch(msg replicator.Message) error
}

var (
	_ replicator.Transport = (*Endpoint)(nil)
	_ replicator.Transport = (*Net)(nil)
	_ Dispatcher           = (*replicator.Replicator)(nil)
)
