package points

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrGeometry is returned for features that are not single points.
var ErrGeometry = errors.New("points: feature is not a point")

// Feature is one output point.
type Feature struct {
	X     float64
	Y     float64
	Props Properties
}

type featureCollection struct {
	Type     string       `json:"type"`
	Features []rawFeature `json:"features"`
}

type rawFeature struct {
	Type       string          `json:"type"`
	Geometry   *rawGeometry    `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type rawGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// ReadGeoJSON reads a FeatureCollection of Point features. Property order and
// value kinds are preserved.
func ReadGeoJSON(r io.Reader) ([]Seed, error) {
	var fc featureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("points: expected FeatureCollection, got %q", fc.Type)
	}
	seeds := make([]Seed, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("feature %d: %w: missing geometry", i, ErrGeometry)
		}
		if f.Geometry.Type != "Point" || len(f.Geometry.Coordinates) < 2 {
			return nil, fmt.Errorf("feature %d: %w: %s", i, ErrGeometry, f.Geometry.Type)
		}
		props, err := decodeProperties(f.Properties)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		seeds = append(seeds, Seed{
			X:     f.Geometry.Coordinates[0],
			Y:     f.Geometry.Coordinates[1],
			Props: props,
		})
	}
	return seeds, nil
}

func decodeProperties(raw json.RawMessage) (Properties, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("properties: expected object")
	}
	var props Properties
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("properties: %w", err)
		}
		name, _ := tok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		a, err := decodeAttribute(name, val)
		if err != nil {
			return nil, err
		}
		props = append(props, a)
	}
	return props, nil
}

func decodeAttribute(name string, raw json.RawMessage) (Attribute, error) {
	text := string(bytes.TrimSpace(raw))
	switch {
	case text == "null":
		return StringAttr(name, ""), nil
	case text == "true" || text == "false":
		return BoolAttr(name, text == "true"), nil
	case strings.HasPrefix(text, `"`):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Attribute{}, fmt.Errorf("property %q: %w", name, err)
		}
		return StringAttr(name, s), nil
	case strings.HasPrefix(text, "{") || strings.HasPrefix(text, "["):
		return StringAttr(name, text), nil
	}
	if !strings.ContainsAny(text, ".eE") {
		if v, err := strconv.ParseInt(text, 10, 64); err == nil {
			return IntAttr(name, v), nil
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Attribute{}, fmt.Errorf("property %q: %w", name, err)
	}
	return DoubleAttr(name, v), nil
}

// WriteGeoJSON writes features as a FeatureCollection of points, keeping
// property order. Integral doubles keep a fractional part so they read back
// as doubles.
func WriteGeoJSON(w io.Writer, features []Feature) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(`{"type":"FeatureCollection","features":[`)
	for i, f := range features {
		if i > 0 {
			bw.WriteByte(',')
		}
		bw.WriteString("\n")
		bw.WriteString(`{"type":"Feature","geometry":{"type":"Point","coordinates":[`)
		bw.WriteString(formatNumber(f.X))
		bw.WriteByte(',')
		bw.WriteString(formatNumber(f.Y))
		bw.WriteString(`]},"properties":{`)
		for j, a := range f.Props {
			if j > 0 {
				bw.WriteByte(',')
			}
			key, err := json.Marshal(a.Name)
			if err != nil {
				return err
			}
			bw.Write(key)
			bw.WriteByte(':')
			val, err := encodeAttribute(a)
			if err != nil {
				return fmt.Errorf("property %q: %w", a.Name, err)
			}
			bw.WriteString(val)
		}
		bw.WriteString("}}")
	}
	bw.WriteString("\n]}\n")
	return bw.Flush()
}

func encodeAttribute(a Attribute) (string, error) {
	switch a.Kind {
	case Integer:
		return strconv.FormatInt(a.Int, 10), nil
	case Double:
		if math.IsNaN(a.Float) || math.IsInf(a.Float, 0) {
			return "null", nil
		}
		s := formatNumber(a.Float)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s, nil
	case Logical:
		return strconv.FormatBool(a.Bool), nil
	default:
		raw, err := json.Marshal(a.Str)
		return string(raw), err
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
