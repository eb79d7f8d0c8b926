package points

// Seed is an input outlet: a geographic position and its attributes.
type Seed struct {
	X     float64    `json:"x"`
	Y     float64    `json:"y"`
	Props Properties `json:"props,omitempty"`
}

// Registry holds every point of the run, indexed by input order. Each worker
// has its own registry; the owner's copy of a point is authoritative.
type Registry struct {
	pts []Point
}

// NewRegistry builds points from seeds. locate maps a geographic coordinate to
// its global cell.
func NewRegistry(seeds []Seed, locate func(x, y float64) Cell) *Registry {
	pts := make([]Point, len(seeds))
	for i, s := range seeds {
		pts[i] = Point{
			Index:     i,
			Cell:      locate(s.X, s.Y),
			OrigX:     s.X,
			OrigY:     s.Y,
			Status:    Active,
			Owner:     Unowned,
			DownLabel: -1,
			Props:     s.Props,
		}
	}
	return &Registry{pts: pts}
}

func (r *Registry) Len() int { return len(r.pts) }

// At returns the point with the given index.
func (r *Registry) At(i int) *Point { return &r.pts[i] }
