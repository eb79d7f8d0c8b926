package raster

import "fmt"

// Band is a half-open range of global rows [Start, End).
type Band struct {
	Start int
	End   int
}

func (b Band) Len() int { return b.End - b.Start }

// PlanBands splits totalY rows across workers. Every worker gets
// totalY/workers rows and the last one also takes the remainder.
func PlanBands(totalY, workers int) ([]Band, error) {
	if workers < 1 {
		return nil, fmt.Errorf("raster: workers must be >= 1, got %d", workers)
	}
	if totalY < workers {
		return nil, fmt.Errorf("raster: %d rows cannot be split across %d workers", totalY, workers)
	}
	per := totalY / workers
	bands := make([]Band, workers)
	for i := range bands {
		bands[i] = Band{Start: i * per, End: (i + 1) * per}
	}
	bands[workers-1].End = totalY
	return bands, nil
}
