package comm

import (
	"context"
	"fmt"
)

// NewLocalMesh returns n connected in-process endpoints, indexed by rank.
func NewLocalMesh(n int) []Transport {
	boxes := make([]*mailbox, n)
	for i := range boxes {
		boxes[i] = newMailbox()
	}
	out := make([]Transport, n)
	for i := range out {
		out[i] = &localEndpoint{rank: i, boxes: boxes}
	}
	return out
}

type localEndpoint struct {
	rank  int
	boxes []*mailbox
}

func (e *localEndpoint) Rank() int { return e.rank }
func (e *localEndpoint) Size() int { return len(e.boxes) }

func (e *localEndpoint) Send(ctx context.Context, to int, tag Tag, payload []byte) error {
	if to < 0 || to >= len(e.boxes) {
		return fmt.Errorf("comm: send to rank %d of %d", to, len(e.boxes))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.boxes[e.rank].failure(); err != nil {
		return err
	}
	return e.boxes[to].push(tag, message{from: e.rank, payload: append([]byte(nil), payload...)})
}

func (e *localEndpoint) Recv(ctx context.Context, tag Tag) (int, []byte, error) {
	msg, err := e.boxes[e.rank].pop(ctx, tag)
	if err != nil {
		return 0, nil, err
	}
	return msg.from, msg.payload, nil
}

func (e *localEndpoint) Close() error {
	e.boxes[e.rank].fail(ErrClosed)
	return nil
}
