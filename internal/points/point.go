package points

// Unowned marks a point no worker currently holds.
const Unowned = -1

// Status is the terminal state of a point.
type Status int

const (
	Active Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the point will not move again.
func (s Status) Terminal() bool { return s == Succeeded || s == Failed }

// Cell is a global raster cell.
type Cell struct {
	X int
	Y int
}

// Point is one outlet being moved along its flow path.
type Point struct {
	Index    int
	Cell     Cell
	OrigX    float64
	OrigY    float64
	Traveled int
	Status   Status
	Owner    int
	// DownLabel is the label of the cell the point last visited. Only the
	// connect-down configuration writes it.
	DownLabel int64
	Props     Properties
}

// Distance is the number of cells moved, or -1 when the point failed.
func (p *Point) Distance() int {
	if p.Status == Failed {
		return -1
	}
	return p.Traveled
}

// Succeed marks the point as having reached its target at the current cell.
func (p *Point) Succeed() { p.Status = Succeeded }

// Fail marks the point as unable to reach a target.
func (p *Point) Fail() { p.Status = Failed }
