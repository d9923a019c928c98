// Package transform provides 4x4 homogeneous transforms between the
// coordinate frames of a quadruped: body, shoulder, hip and knee.
//
// Conventions: a Transform applies rotation first, then translation
// (p' = R*p + t). Rotations are XYZ Euler, R = Rx(roll)*Ry(pitch)*Rz(yaw).
// Units are millimeters and radians throughout.
package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Transform is a rigid homogeneous transform. The zero value is not
// usable; construct one with Identity, Translation or
// RotationTranslation.
type Transform struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Transform{m: m}
}

// Translation returns a pure translation by t.
func Translation(t r3.Vector) Transform {
	out := Identity()
	out.m.Set(0, 3, t.X)
	out.m.Set(1, 3, t.Y)
	out.m.Set(2, 3, t.Z)
	return out
}

// RotationTranslation composes an XYZ Euler rotation with a translation.
// The rotation is applied before the translation.
func RotationTranslation(roll, pitch, yaw float64, t r3.Vector) Transform {
	rx := rotX(roll)
	ry := rotY(pitch)
	rz := rotZ(yaw)

	var r mat.Dense
	r.Mul(rx, ry)
	r.Mul(&r, rz)

	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, r.At(i, j))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	m.Set(3, 3, 1)
	return Transform{m: m}
}

func rotX(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

func rotY(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

func rotZ(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// Compose multiplies transforms left to right: Compose(a, b).Apply(p)
// equals a.Apply(b.Apply(p)). Composition is associative.
func Compose(ts ...Transform) Transform {
	out := Identity()
	for _, t := range ts {
		var m mat.Dense
		m.Mul(out.m, t.m)
		out.m = &m
	}
	return out
}

// Invert returns the inverse transform. The rotation block is
// orthonormal, so the inverse is its transpose with the translation
// negated and re-rotated; no general matrix inversion is needed.
func (t Transform) Invert() Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, t.m.At(j, i))
		}
	}
	tx, ty, tz := t.m.At(0, 3), t.m.At(1, 3), t.m.At(2, 3)
	for i := 0; i < 3; i++ {
		m.Set(i, 3, -(m.At(i, 0)*tx + m.At(i, 1)*ty + m.At(i, 2)*tz))
	}
	m.Set(3, 3, 1)
	return Transform{m: m}
}

// Apply transforms the point p.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.m.At(0, 0)*p.X + t.m.At(0, 1)*p.Y + t.m.At(0, 2)*p.Z + t.m.At(0, 3),
		Y: t.m.At(1, 0)*p.X + t.m.At(1, 1)*p.Y + t.m.At(1, 2)*p.Z + t.m.At(1, 3),
		Z: t.m.At(2, 0)*p.X + t.m.At(2, 1)*p.Y + t.m.At(2, 2)*p.Z + t.m.At(2, 3),
	}
}

// Rotate transforms the direction p, ignoring the translation part.
func (t Transform) Rotate(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.m.At(0, 0)*p.X + t.m.At(0, 1)*p.Y + t.m.At(0, 2)*p.Z,
		Y: t.m.At(1, 0)*p.X + t.m.At(1, 1)*p.Y + t.m.At(1, 2)*p.Z,
		Z: t.m.At(2, 0)*p.X + t.m.At(2, 1)*p.Y + t.m.At(2, 2)*p.Z,
	}
}

// Translation returns the translation component.
func (t Transform) Translation() r3.Vector {
	return r3.Vector{X: t.m.At(0, 3), Y: t.m.At(1, 3), Z: t.m.At(2, 3)}
}

// Mat exposes the underlying matrix for inspection.
func (t Transform) Mat() mat.Matrix {
	return t.m
}

// ApproxEqual reports whether two transforms are element-wise equal
// within tol.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	return mat.EqualApprox(t.m, o.m, tol)
}
