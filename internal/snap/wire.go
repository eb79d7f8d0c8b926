package snap

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"flowsnap/internal/points"
)

var errMalformed = errors.New("snap: malformed message")

// record is the state of one point as it crosses the wire.
type record struct {
	index     int
	x, y      int
	traveled  int
	status    points.Status
	downLabel int64
}

func recordOf(p *points.Point) record {
	return record{
		index:     p.Index,
		x:         p.Cell.X,
		y:         p.Cell.Y,
		traveled:  p.Traveled,
		status:    p.Status,
		downLabel: p.DownLabel,
	}
}

// tally is the envelope for every engine message: worker reports, the
// coordinator's decision, ring batches and the final gather.
type tally struct {
	owned      int
	terminated int
	done       bool
	records    []record
}

const (
	tallyOwned      protowire.Number = 1
	tallyTerminated protowire.Number = 2
	tallyDone       protowire.Number = 3
	tallyRecord     protowire.Number = 4

	recIndex     protowire.Number = 1
	recX         protowire.Number = 2
	recY         protowire.Number = 3
	recTraveled  protowire.Number = 4
	recStatus    protowire.Number = 5
	recDownLabel protowire.Number = 6
)

func encodeTally(t tally) []byte {
	var b []byte
	if t.owned != 0 {
		b = protowire.AppendTag(b, tallyOwned, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.owned))
	}
	if t.terminated != 0 {
		b = protowire.AppendTag(b, tallyTerminated, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.terminated))
	}
	if t.done {
		b = protowire.AppendTag(b, tallyDone, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	for _, r := range t.records {
		b = protowire.AppendTag(b, tallyRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRecord(r))
	}
	return b
}

func encodeRecord(r record) []byte {
	b := make([]byte, 0, 24)
	b = protowire.AppendTag(b, recIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.index))
	b = protowire.AppendTag(b, recX, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.x)))
	b = protowire.AppendTag(b, recY, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.y)))
	b = protowire.AppendTag(b, recTraveled, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.traveled))
	b = protowire.AppendTag(b, recStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.status))
	b = protowire.AppendTag(b, recDownLabel, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.downLabel))
	return b
}

func decodeTally(b []byte) (tally, error) {
	var t tally
	err := consumeFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case tallyOwned:
			t.owned = int(v)
		case tallyTerminated:
			t.terminated = int(v)
		case tallyDone:
			t.done = protowire.DecodeBool(v)
		case tallyRecord:
			r, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			t.records = append(t.records, r)
		}
		return nil
	})
	return t, err
}

func decodeRecord(b []byte) (record, error) {
	var r record
	err := consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case recIndex:
			r.index = int(v)
		case recX:
			r.x = int(protowire.DecodeZigZag(v))
		case recY:
			r.y = int(protowire.DecodeZigZag(v))
		case recTraveled:
			r.traveled = int(v)
		case recStatus:
			r.status = points.Status(v)
		case recDownLabel:
			r.downLabel = protowire.DecodeZigZag(v)
		}
		return nil
	})
	return r, err
}

// consumeFields walks varint and bytes fields, skipping anything else.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func sortRecords(recs []record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].index < recs[j].index })
}
