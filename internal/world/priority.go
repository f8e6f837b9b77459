package world

import (
	"math"

	"strata.dev/internal/chunk"
)

// Priority weights for load candidates. Lower score loads first.
const (
	distanceWeight  = 0.7
	alignmentWeight = 10
	modifiedBonus   = 100
)

// loadScore ranks a candidate chunk against the viewer: nearer chunks first,
// chunks in front of the viewer (facing is a unit vector; the alignment term
// is the dot product with the normalized offset, -1..1) ahead of chunks
// behind, and chunks that held player edits pinned to the front. A zero
// facing vector disables the alignment term.
func loadScore(pos, center chunk.Coord, fx, fz float64, wasModified bool) float64 {
	dx := float64(pos.X - center.X)
	dz := float64(pos.Z - center.Z)
	dist := math.Hypot(dx, dz)

	score := distanceWeight * dist
	if dist > 0 {
		score -= alignmentWeight * (dx*fx + dz*fz) / dist
	}
	if wasModified {
		score -= modifiedBonus
	}
	return score
}

// normalize scales a direction vector to unit length; a zero vector stays
// zero so callers without a meaningful facing get distance-only ordering.
func normalize(fx, fz float64) (float64, float64) {
	n := math.Hypot(fx, fz)
	if n == 0 {
		return 0, 0
	}
	return fx / n, fz / n
}
