package comm

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var errMalformedFrame = errors.New("comm: malformed frame")

const (
	frameFieldFrom    protowire.Number = 1
	frameFieldTag     protowire.Number = 2
	frameFieldPayload protowire.Number = 3
)

// frame is a message on the wire between two processes.
type frame struct {
	from    int
	tag     Tag
	payload []byte
}

func encodeFrame(f frame) []byte {
	b := make([]byte, 0, len(f.payload)+16)
	b = protowire.AppendTag(b, frameFieldFrom, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.from))
	b = protowire.AppendTag(b, frameFieldTag, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.tag))
	b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.payload)
	return b
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == frameFieldFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, protowire.ParseError(n))
			}
			f.from = int(v)
			b = b[n:]
		case num == frameFieldTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, protowire.ParseError(n))
			}
			f.tag = Tag(v)
			b = b[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, protowire.ParseError(n))
			}
			f.payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}
