package raster

// D8 offsets indexed by direction code. Code 1 is east and codes advance
// counter-clockwise: E, NE, N, NW, W, SW, S, SE. Index 0 is unused.
var (
	d8dx = [9]int{0, 1, 1, 0, -1, -1, -1, 0, 1}
	d8dy = [9]int{0, 0, -1, -1, -1, 0, 1, 1, 1}
)

// ValidD8 reports whether code names one of the eight neighbours.
func ValidD8(code int) bool {
	return code >= 1 && code <= 8
}

// D8Offset returns the column and row offset for a direction code.
func D8Offset(code int) (dx, dy int, ok bool) {
	if !ValidD8(code) {
		return 0, 0, false
	}
	return d8dx[code], d8dy[code], true
}
