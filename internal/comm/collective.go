package comm

import (
	"context"
	"errors"
	"fmt"
)

const (
	resultOK byte = iota
	resultAbort
)

// Broadcast sends payload from the root to every rank and returns it on all
// of them. Non-root callers pass nil.
func Broadcast(ctx context.Context, t Transport, payload []byte) ([]byte, error) {
	if t.Rank() != Root {
		from, got, err := t.Recv(ctx, Bcast)
		if err != nil {
			return nil, fmt.Errorf("broadcast: %w", err)
		}
		if from != Root {
			return nil, fmt.Errorf("broadcast: unexpected sender %d", from)
		}
		return got, nil
	}
	for r := 0; r < t.Size(); r++ {
		if r == Root {
			continue
		}
		if err := t.Send(ctx, r, Bcast, payload); err != nil {
			return nil, fmt.Errorf("broadcast to %d: %w", r, err)
		}
	}
	return payload, nil
}

// GatherAll collects one payload from every rank at the root, indexed by
// rank. Non-root callers get nil.
func GatherAll(ctx context.Context, t Transport, payload []byte) ([][]byte, error) {
	return gatherOn(ctx, t, Gather, payload)
}

func gatherOn(ctx context.Context, t Transport, tag Tag, payload []byte) ([][]byte, error) {
	if t.Rank() != Root {
		if err := t.Send(ctx, Root, tag, payload); err != nil {
			return nil, fmt.Errorf("%s to root: %w", tag, err)
		}
		return nil, nil
	}
	out := make([][]byte, t.Size())
	out[Root] = payload
	seen := make([]bool, t.Size())
	seen[Root] = true
	for i := 1; i < t.Size(); i++ {
		from, got, err := t.Recv(ctx, tag)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		if from < 0 || from >= t.Size() || seen[from] {
			return nil, fmt.Errorf("%s: duplicate or unknown sender %d", tag, from)
		}
		seen[from] = true
		out[from] = got
	}
	return out, nil
}

// AllReduce gathers every rank's payload at the root, merges them in rank
// order and broadcasts the result. A merge error aborts every rank: the root
// returns the merge error and the others return ErrAborted.
func AllReduce(ctx context.Context, t Transport, payload []byte, merge func(parts [][]byte) ([]byte, error)) ([]byte, error) {
	parts, err := gatherOn(ctx, t, Reduce, payload)
	if err != nil {
		return nil, err
	}
	if t.Rank() != Root {
		got, err := Broadcast(ctx, t, nil)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			return nil, fmt.Errorf("all-reduce: empty result")
		}
		if got[0] == resultAbort {
			return nil, fmt.Errorf("%w: %s", ErrAborted, got[1:])
		}
		return got[1:], nil
	}

	merged, mergeErr := merge(parts)
	var out []byte
	if mergeErr != nil {
		out = append([]byte{resultAbort}, mergeErr.Error()...)
	} else {
		out = append([]byte{resultOK}, merged...)
	}
	if _, err := Broadcast(ctx, t, out); err != nil {
		return nil, errors.Join(mergeErr, err)
	}
	if mergeErr != nil {
		return nil, mergeErr
	}
	return merged, nil
}
