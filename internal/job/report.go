package job

import (
	"flowsnap/internal/points"
	"flowsnap/internal/snap"
)

// Kind names the use case that produced a report.
type Kind string

const (
	KindStreamSnap  Kind = "streamsnap"
	KindConnectDown Kind = "connectdown"
)

// Report is the coordinator's view of a finished run.
type Report struct {
	Kind     Kind
	Seeds    []points.Seed
	Outcomes []snap.Outcome
}

// Moved returns one feature per point at its reported position.
func (r *Report) Moved() []points.Feature {
	out := make([]points.Feature, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = points.Feature{X: o.X, Y: o.Y, Props: r.props(o)}
	}
	return out
}

// Unmoved returns one feature per point at its input position.
func (r *Report) Unmoved() []points.Feature {
	out := make([]points.Feature, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = points.Feature{X: o.OrigX, Y: o.OrigY, Props: r.props(o)}
	}
	return out
}

func (r *Report) props(o snap.Outcome) points.Properties {
	in := r.Seeds[o.Index].Props
	if r.Kind == KindConnectDown {
		id, _ := in.Get("id")
		ad8, _ := in.Get("ad8")
		return points.Properties{
			id,
			points.IntAttr("id_down", o.DownLabel),
			ad8,
		}
	}
	return in.With(points.IntAttr("Dist_moved", int64(o.Distance())))
}

// Summary counts outcomes by status.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Moved     int
}

func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		switch o.Status {
		case points.Succeeded:
			s.Succeeded++
		case points.Failed:
			s.Failed++
		}
		if o.Moved() {
			s.Moved++
		}
	}
	return s
}
