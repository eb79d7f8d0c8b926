// Package comm moves tagged byte messages between a fixed set of workers.
// Workers are numbered 0..Size()-1; rank 0 coordinates collectives.
package comm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once a transport has been closed or has lost a peer.
	ErrClosed = errors.New("comm: transport closed")
	// ErrAborted is returned on workers when the coordinator abandons a collective.
	ErrAborted = errors.New("comm: aborted by coordinator")
)

// Tag separates independent message streams.
type Tag int

const (
	RingPrev Tag = iota + 1
	RingNext
	Gather
	Bcast
	Reduce
)

func (t Tag) String() string {
	switch t {
	case RingPrev:
		return "ring-prev"
	case RingNext:
		return "ring-next"
	case Gather:
		return "gather"
	case Bcast:
		return "bcast"
	case Reduce:
		return "reduce"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Transport is one worker's endpoint. Send never waits for the receiver.
// Recv returns the oldest message on tag from any source.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, tag Tag, payload []byte) error
	Recv(ctx context.Context, tag Tag) (from int, payload []byte, err error)
	Close() error
}

// Root is the coordinating rank.
const Root = 0
