// Package regionmax finds, for every watershed label, the cell with the
// largest contributing area. Workers scan their own rows and the coordinator
// merges the candidates.
package regionmax

import (
	"context"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"flowsnap/internal/comm"
	"flowsnap/internal/raster"
)

// Outlet is the maximum accumulation cell of one label.
type Outlet struct {
	Label int64
	Accum float64
	GX    int
	GY    int
}

// Compute returns the outlets on every worker, sorted by label. Ties keep the
// first cell in row-major order.
func Compute(ctx context.Context, t comm.Transport, labels *raster.Partition[int32], accum *raster.Partition[float32]) ([]Outlet, error) {
	if err := labels.Header().Compatible(accum.Header()); err != nil {
		return nil, err
	}
	if labels.Band() != accum.Band() {
		return nil, fmt.Errorf("regionmax: label band %v and accumulation band %v differ", labels.Band(), accum.Band())
	}
	local := scan(labels, accum)
	raw, err := comm.AllReduce(ctx, t, encodeOutlets(local), mergeParts)
	if err != nil {
		return nil, fmt.Errorf("regionmax: %w", err)
	}
	return decodeOutlets(raw)
}

func scan(labels *raster.Partition[int32], accum *raster.Partition[float32]) []Outlet {
	best := make(map[int64]int)
	var out []Outlet
	labels.ForEachOwned(func(lx, ly int, v int32) {
		if labels.IsNodata(lx, ly) || accum.IsNodata(lx, ly) {
			return
		}
		a := float64(accum.Get(lx, ly))
		gx, gy := labels.LocalToGlobal(lx, ly)
		label := int64(v)
		i, ok := best[label]
		if !ok {
			best[label] = len(out)
			out = append(out, Outlet{Label: label, Accum: a, GX: gx, GY: gy})
			return
		}
		if a > out[i].Accum {
			out[i] = Outlet{Label: label, Accum: a, GX: gx, GY: gy}
		}
	})
	return out
}

// mergeParts folds worker candidates in rank order. Bands are ordered by
// rank, so keeping the earlier candidate on ties keeps row-major order.
func mergeParts(parts [][]byte) ([]byte, error) {
	best := make(map[int64]Outlet)
	for rank, raw := range parts {
		outs, err := decodeOutlets(raw)
		if err != nil {
			return nil, fmt.Errorf("candidates from rank %d: %w", rank, err)
		}
		for _, o := range outs {
			cur, ok := best[o.Label]
			if !ok || o.Accum > cur.Accum {
				best[o.Label] = o
			}
		}
	}
	merged := make([]Outlet, 0, len(best))
	for _, o := range best {
		merged = append(merged, o)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Label < merged[j].Label })
	return encodeOutlets(merged), nil
}

const (
	fieldOutlet protowire.Number = 1

	fieldLabel protowire.Number = 1
	fieldAccum protowire.Number = 2
	fieldGX    protowire.Number = 3
	fieldGY    protowire.Number = 4
)

func encodeOutlets(outs []Outlet) []byte {
	var b []byte
	for _, o := range outs {
		var m []byte
		m = protowire.AppendTag(m, fieldLabel, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(o.Label))
		m = protowire.AppendTag(m, fieldAccum, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(o.Accum))
		m = protowire.AppendTag(m, fieldGX, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(o.GX))
		m = protowire.AppendTag(m, fieldGY, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(o.GY))

		b = protowire.AppendTag(b, fieldOutlet, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeOutlets(b []byte) ([]Outlet, error) {
	var outs []Outlet
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldOutlet || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		o, err := decodeOutlet(m)
		if err != nil {
			return nil, err
		}
		outs = append(outs, o)
	}
	return outs, nil
}

func decodeOutlet(m []byte) (Outlet, error) {
	var o Outlet
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return Outlet{}, protowire.ParseError(n)
		}
		m = m[n:]
		switch {
		case num == fieldAccum && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(m)
			if n < 0 {
				return Outlet{}, protowire.ParseError(n)
			}
			o.Accum = math.Float64frombits(v)
			m = m[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return Outlet{}, protowire.ParseError(n)
			}
			switch num {
			case fieldLabel:
				o.Label = protowire.DecodeZigZag(v)
			case fieldGX:
				o.GX = int(v)
			case fieldGY:
				o.GY = int(v)
			}
			m = m[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return Outlet{}, protowire.ParseError(n)
			}
			m = m[n:]
		}
	}
	return o, nil
}
