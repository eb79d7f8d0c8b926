package points

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCollection = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [10.5, 20.25]},
     "properties": {"zeta": 3, "alpha": "gauge", "area": 12.0, "big": 1e3, "ok": true, "note": null}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": null}
  ]
}`

func TestReadGeoJSONPreservesOrderAndKinds(t *testing.T) {
	seeds, err := ReadGeoJSON(strings.NewReader(sampleCollection))
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, 10.5, seeds[0].X)
	assert.Equal(t, 20.25, seeds[0].Y)
	assert.Equal(t, Properties{
		IntAttr("zeta", 3),
		StringAttr("alpha", "gauge"),
		DoubleAttr("area", 12),
		DoubleAttr("big", 1000),
		BoolAttr("ok", true),
		StringAttr("note", ""),
	}, seeds[0].Props)
	assert.Empty(t, seeds[1].Props)
}

func TestReadGeoJSONRejectsNonPoints(t *testing.T) {
	in := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{}}]}`
	_, err := ReadGeoJSON(strings.NewReader(in))
	require.ErrorIs(t, err, ErrGeometry)

	in = `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":null,"properties":{}}]}`
	_, err = ReadGeoJSON(strings.NewReader(in))
	require.ErrorIs(t, err, ErrGeometry)

	_, err = ReadGeoJSON(strings.NewReader(`{"type":"Feature"}`))
	require.Error(t, err)
}

func TestWriteGeoJSONReadsBack(t *testing.T) {
	features := []Feature{
		{X: 105, Y: 55.5, Props: Properties{
			StringAttr("name", `a "quoted" name`),
			DoubleAttr("ad8", 42),
			IntAttr("Dist_moved", -1),
			BoolAttr("flag", false),
		}},
		{X: 0, Y: 0},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteGeoJSON(&buf, features))
	assert.Contains(t, buf.String(), `"ad8":42.0`)

	seeds, err := ReadGeoJSON(&buf)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, 105.0, seeds[0].X)
	assert.Equal(t, features[0].Props, seeds[0].Props)
	assert.Empty(t, seeds[1].Props)
}

func TestPropertiesWithReplacesInPlace(t *testing.T) {
	p := Properties{IntAttr("a", 1), IntAttr("b", 2)}
	q := p.With(IntAttr("a", 9)).With(DoubleAttr("c", 0.5))
	assert.Equal(t, Properties{IntAttr("a", 9), IntAttr("b", 2), DoubleAttr("c", 0.5)}, q)
	assert.Equal(t, int64(1), p[0].Int)

	a, ok := q.Get("c")
	require.True(t, ok)
	assert.Equal(t, 0.5, a.Value())
	assert.Equal(t, map[string]any{"a": int64(9), "b": int64(2), "c": 0.5}, q.Map())
}

func TestRegistryLocatesSeeds(t *testing.T) {
	seeds := []Seed{{X: 1.5, Y: 2.5}, {X: 3.5, Y: 0.5, Props: Properties{IntAttr("id", 7)}}}
	reg := NewRegistry(seeds, func(x, y float64) Cell { return Cell{X: int(x), Y: int(y)} })
	require.Equal(t, 2, reg.Len())

	p := reg.At(1)
	assert.Equal(t, 1, p.Index)
	assert.Equal(t, Cell{X: 3, Y: 0}, p.Cell)
	assert.Equal(t, Unowned, p.Owner)
	assert.Equal(t, Active, p.Status)
	assert.Equal(t, int64(-1), p.DownLabel)
}

func TestDistanceReportsFailure(t *testing.T) {
	p := Point{Traveled: 4}
	assert.Equal(t, 4, p.Distance())
	p.Succeed()
	assert.Equal(t, 4, p.Distance())
	assert.True(t, p.Status.Terminal())
	p.Fail()
	assert.Equal(t, -1, p.Distance())
}
