package chunk

import "math"

// Chunk dimensions in blocks. A chunk is a 16x16 column, 256 blocks tall.
const (
	Width  = 16
	Height = 256
	Volume = Width * Width * Height
)

// RegionSize is the width of a region in chunks (32x32 chunks per region file).
const RegionSize = 32

// Block is one typed voxel. The zero value is Air.
type Block uint8

const (
	Air Block = iota
	Stone
	Dirt
	Grass
	Sand
	Gravel
	Log
	CoalOre
	IronOre
	CopperOre
	CrystalOre
)

// Coord addresses a chunk on the infinite chunk grid. It is comparable and
// used directly as a map key.
type Coord struct {
	X int32
	Z int32
}

// AtBlock returns the coordinate of the chunk containing the given world
// block column, using floor division.
func AtBlock(wx, wz int32) Coord {
	return Coord{X: FloorDiv(wx, Width), Z: FloorDiv(wz, Width)}
}

// Dist returns the Euclidean distance to another chunk coordinate.
func (c Coord) Dist(o Coord) float64 {
	dx := float64(c.X - o.X)
	dz := float64(c.Z - o.Z)
	return math.Sqrt(dx*dx + dz*dz)
}

// BlockOrigin returns the world block coordinate of the chunk's (0,0) column.
func (c Coord) BlockOrigin() (int32, int32) {
	return c.X * Width, c.Z * Width
}

// Region returns the coordinate of the region file owning this chunk.
func (c Coord) Region() RegionCoord {
	return RegionCoord{X: FloorDiv(c.X, RegionSize), Z: FloorDiv(c.Z, RegionSize)}
}

// Slot returns the chunk's slot index inside its region (localZ*32 + localX).
func (c Coord) Slot() int {
	lx := mod32(c.X, RegionSize)
	lz := mod32(c.Z, RegionSize)
	return int(lz)*RegionSize + int(lx)
}

// RegionCoord addresses a 32x32-chunk region tile.
type RegionCoord struct {
	X int32
	Z int32
}

// State tracks a chunk through its load/unload lifecycle. Transitional
// phases (generation handoff, eviction) happen within one engine tick, so
// only the three observable states exist.
type State uint8

const (
	StateUnloaded State = iota
	StateGenerating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	default:
		return "invalid"
	}
}

// Chunk owns a fixed-size block grid plus its grid coordinate and dirty flag.
// A chunk belongs to exactly one collection at a time (resident map, pool, or
// an in-flight generation job); that single-ownership rule is what makes the
// engine safe without per-chunk locking.
type Chunk struct {
	pos Coord

	// Blocks in fixed iteration order: x outer, z middle, y inner.
	Blocks []Block

	modified bool
}

func New() *Chunk {
	return &Chunk{Blocks: make([]Block, Volume)}
}

// Index maps local block coordinates to the flat grid index.
func Index(x, z, y int) int {
	return (x*Width+z)*Height + y
}

// InBounds reports whether local block coordinates are inside the grid.
func InBounds(x, z, y int) bool {
	return x >= 0 && x < Width && z >= 0 && z < Width && y >= 0 && y < Height
}

func (c *Chunk) Pos() Coord       { return c.pos }
func (c *Chunk) SetPos(pos Coord) { c.pos = pos }

func (c *Chunk) Block(x, z, y int) Block {
	return c.Blocks[Index(x, z, y)]
}

// SetBlock writes one voxel and marks the chunk modified when the value
// actually changes.
func (c *Chunk) SetBlock(x, z, y int, b Block) {
	i := Index(x, z, y)
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.modified = true
}

func (c *Chunk) Modified() bool { return c.modified }

// MarkSaved clears the dirty flag after a successful persist.
func (c *Chunk) MarkSaved() { c.modified = false }

// MarkModified forces the dirty flag, used when a decoded chunk must be
// re-persisted regardless of block writes.
func (c *Chunk) MarkModified() { c.modified = true }

// Reset clears content and identity so the chunk can return to the pool.
func (c *Chunk) Reset() {
	for i := range c.Blocks {
		c.Blocks[i] = 0
	}
	c.pos = Coord{}
	c.modified = false
}

// FloorDiv divides rounding toward negative infinity, the grid mapping for
// negative world coordinates.
func FloorDiv(a, b int32) int32 {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

func mod32(a, b int32) int32 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
