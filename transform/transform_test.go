package transform

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-9

func vecNear(t *testing.T, want, got r3.Vector, eps float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, eps)
	assert.InDelta(t, want.Y, got.Y, eps)
	assert.InDelta(t, want.Z, got.Z, eps)
}

func TestRotateThenTranslate(t *testing.T) {
	// Quarter turn about Z carries X onto Y, then the translation is
	// added afterwards.
	tr := RotationTranslation(0, 0, math.Pi/2, r3.Vector{X: 10})
	got := tr.Apply(r3.Vector{X: 1})
	vecNear(t, r3.Vector{X: 10, Y: 1}, got, tol)
}

func TestEulerOrder(t *testing.T) {
	roll, pitch, yaw := 0.3, -0.7, 1.1
	combined := RotationTranslation(roll, pitch, yaw, r3.Vector{})
	stepwise := Compose(
		RotationTranslation(roll, 0, 0, r3.Vector{}),
		RotationTranslation(0, pitch, 0, r3.Vector{}),
		RotationTranslation(0, 0, yaw, r3.Vector{}),
	)
	assert.True(t, combined.ApproxEqual(stepwise, tol))
}

func TestComposeAssociativity(t *testing.T) {
	a := RotationTranslation(0.1, 0.2, 0.3, r3.Vector{X: 5, Y: -2, Z: 1})
	b := RotationTranslation(-0.4, 0.9, 0.0, r3.Vector{Y: 30})
	c := RotationTranslation(1.2, 0.0, -0.8, r3.Vector{X: -7, Z: 12})

	left := Compose(Compose(a, b), c)
	right := Compose(a, Compose(b, c))
	flat := Compose(a, b, c)

	assert.True(t, left.ApproxEqual(right, tol))
	assert.True(t, left.ApproxEqual(flat, tol))
}

func TestComposeAppliesRightToLeft(t *testing.T) {
	a := RotationTranslation(0, 0, math.Pi/2, r3.Vector{})
	b := Translation(r3.Vector{X: 1})
	p := r3.Vector{}

	// b moves the origin to (1,0,0), then a rotates that onto (0,1,0).
	got := Compose(a, b).Apply(p)
	vecNear(t, r3.Vector{Y: 1}, got, tol)
}

func TestInvert(t *testing.T) {
	cases := []Transform{
		Identity(),
		Translation(r3.Vector{X: 3, Y: -8, Z: 0.5}),
		RotationTranslation(0.6, -1.1, 2.4, r3.Vector{X: 100, Y: 55, Z: -39}),
		RotationTranslation(math.Pi/2, 0, 0, r3.Vector{Z: -10}),
	}
	for _, tr := range cases {
		require.True(t, Compose(tr, tr.Invert()).ApproxEqual(Identity(), tol))
		require.True(t, Compose(tr.Invert(), tr).ApproxEqual(Identity(), tol))
	}
}

func TestInvertRoundTripsPoints(t *testing.T) {
	tr := RotationTranslation(0.25, 0.5, -0.75, r3.Vector{X: 14, Y: 3, Z: -6})
	p := r3.Vector{X: 28.5, Y: 170, Z: -12}
	vecNear(t, p, tr.Invert().Apply(tr.Apply(p)), 1e-9)
}

func TestRotateIgnoresTranslation(t *testing.T) {
	tr := RotationTranslation(0, 0, math.Pi, r3.Vector{X: 99, Y: 99, Z: 99})
	got := tr.Rotate(r3.Vector{X: 1, Y: 2})
	vecNear(t, r3.Vector{X: -1, Y: -2}, got, tol)
}

func TestTranslationComponent(t *testing.T) {
	tr := RotationTranslation(1, 2, 3, r3.Vector{X: 4, Y: 5, Z: 6})
	vecNear(t, r3.Vector{X: 4, Y: 5, Z: 6}, tr.Translation(), 0)
}
