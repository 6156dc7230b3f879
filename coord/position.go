package coord

// Position is a full machine position. The linear axes are always
// present; rotary axes default to zero on 3-axis machines.
type Position struct {
	Point
	A, B, C float64
}

func (p Position) Equal(b Position) bool {
	return p.Point.Equal(b.Point) && p.A == b.A && p.B == b.B && p.C == b.C
}

// Sub will subtract the target values from p, axis by axis.
func (p Position) Sub(target Position) Position {
	p.Point = p.Point.Sub(target.Point)
	p.A -= target.A
	p.B -= target.B
	p.C -= target.C
	return p
}

// Add will add the target values to p, axis by axis.
func (p Position) Add(target Position) Position {
	p.Point = p.Point.Add(target.Point)
	p.A += target.A
	p.B += target.B
	p.C += target.C
	return p
}

// PartialPosition is a sparse position update. Axes not present on the
// wire are nil and keep their previous value when merged.
type PartialPosition struct {
	X, Y, Z, A, B, C *float64
}

// FromList builds a PartialPosition from 3-6 axis values in machine
// order. Values past the sixth are ignored.
func FromList(vals []float64) PartialPosition {
	var p PartialPosition
	axes := []**float64{&p.X, &p.Y, &p.Z, &p.A, &p.B, &p.C}
	for i := range vals {
		if i == len(axes) {
			break
		}
		v := vals[i]
		*axes[i] = &v
	}
	return p
}

// Merge applies the set axes of p on top of base and returns the result.
// base is never mutated.
func (p PartialPosition) Merge(base Position) Position {
	if p.X != nil {
		base.X = *p.X
	}
	if p.Y != nil {
		base.Y = *p.Y
	}
	if p.Z != nil {
		base.Z = *p.Z
	}
	if p.A != nil {
		base.A = *p.A
	}
	if p.B != nil {
		base.B = *p.B
	}
	if p.C != nil {
		base.C = *p.C
	}
	return base
}

// Empty reports whether no axis is set.
func (p PartialPosition) Empty() bool {
	return p.X == nil && p.Y == nil && p.Z == nil && p.A == nil && p.B == nil && p.C == nil
}
