package world

import (
	"strata.dev/internal/chunk"
)

// Generator fills a chunk's block grid for a coordinate. Implementations must
// be deterministic in (seed, coordinate) so a regenerated chunk is identical
// to the one first produced.
type Generator interface {
	Generate(c *chunk.Chunk, pos chunk.Coord)
}

// TerrainGen is the default deterministic terrain: a hashed lattice heightmap
// with biome-flavored surfaces, ore seams underground, and tree trunks in
// forests. Everything derives from the world seed; no state is kept between
// chunks, so generation order never matters.
type TerrainGen struct {
	seed int64
}

func NewTerrainGen(seed int64) *TerrainGen {
	return &TerrainGen{seed: seed}
}

const (
	seaFloor    = 8
	baseSurface = 64

	biomeRegion = 160 // blocks per biome cell
)

// Generate writes a full column grid for the chunk at pos.
func (g *TerrainGen) Generate(c *chunk.Chunk, pos chunk.Coord) {
	c.SetPos(pos)
	ox, oz := pos.BlockOrigin()

	for x := 0; x < chunk.Width; x++ {
		for z := 0; z < chunk.Width; z++ {
			wx := ox + int32(x)
			wz := oz + int32(z)
			biome := biomeAt(g.seed, wx, wz)
			surface := g.surfaceHeight(wx, wz)

			for y := 0; y < chunk.Height; y++ {
				c.Blocks[chunk.Index(x, z, y)] = g.blockAt(wx, wz, y, surface, biome)
			}

			// Forest canopy: sparse trunks rising from the surface.
			if biome == biomeForest && hash2(g.seed+77, wx, wz)%97 == 0 {
				top := surface + 4
				if top > chunk.Height-1 {
					top = chunk.Height - 1
				}
				for y := surface; y < top; y++ {
					c.Blocks[chunk.Index(x, z, y)] = chunk.Log
				}
			}
		}
	}
}

func (g *TerrainGen) blockAt(wx, wz int32, y, surface int, biome string) chunk.Block {
	switch {
	case y >= surface:
		return chunk.Air
	case y == surface-1:
		switch biome {
		case biomeDesert:
			return chunk.Sand
		default:
			return chunk.Grass
		}
	case y >= surface-4:
		if biome == biomeDesert {
			return chunk.Sand
		}
		return chunk.Dirt
	default:
		// Ore precedence: rare seams over common ones, stone as the default.
		switch {
		case y < 24 && hash3(g.seed+101, wx, y, wz)%1200 == 0:
			return chunk.CrystalOre
		case y < 48 && hash3(g.seed+102, wx, y, wz)%240 == 0:
			return chunk.IronOre
		case y < 48 && hash3(g.seed+103, wx, y, wz)%240 == 0:
			return chunk.CopperOre
		case y < 96 && hash3(g.seed+104, wx, y, wz)%140 == 0:
			return chunk.CoalOre
		case hash3(g.seed+105, wx, y, wz)%300 == 0:
			return chunk.Gravel
		default:
			return chunk.Stone
		}
	}
}

// surfaceHeight combines three octaves of smoothed lattice noise. The result
// is clamped so there is always bedrock below and headroom above.
func (g *TerrainGen) surfaceHeight(wx, wz int32) int {
	h := float64(baseSurface)
	h += 28 * g.noise(wx, wz, 128, 1)
	h += 10 * g.noise(wx, wz, 32, 2)
	h += 3 * g.noise(wx, wz, 8, 3)

	s := int(h)
	if s < seaFloor {
		s = seaFloor
	}
	if s > chunk.Height-24 {
		s = chunk.Height - 24
	}
	return s
}

// noise is bilinearly interpolated lattice value noise in [-1, 1].
func (g *TerrainGen) noise(wx, wz int32, cell int32, salt int64) float64 {
	gx := chunk.FloorDiv(wx, cell)
	gz := chunk.FloorDiv(wz, cell)
	fx := float64(wx-gx*cell) / float64(cell)
	fz := float64(wz-gz*cell) / float64(cell)

	v00 := latticeValue(g.seed+salt, gx, gz)
	v10 := latticeValue(g.seed+salt, gx+1, gz)
	v01 := latticeValue(g.seed+salt, gx, gz+1)
	v11 := latticeValue(g.seed+salt, gx+1, gz+1)

	sx := smoothstep(fx)
	sz := smoothstep(fz)
	top := v00 + (v10-v00)*sx
	bot := v01 + (v11-v01)*sx
	return top + (bot-top)*sz
}

func latticeValue(seed int64, gx, gz int32) float64 {
	return float64(hash2(seed, gx, gz)%2001)/1000 - 1
}

func smoothstep(t float64) float64 { return t * t * (3 - 2*t) }

const (
	biomePlains = "PLAINS"
	biomeForest = "FOREST"
	biomeDesert = "DESERT"
)

func biomeAt(seed int64, wx, wz int32) string {
	rx := chunk.FloorDiv(wx, biomeRegion)
	rz := chunk.FloorDiv(wz, biomeRegion)
	switch hash2(seed, rx, rz) % 3 {
	case 0:
		return biomePlains
	case 1:
		return biomeForest
	default:
		return biomeDesert
	}
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash2(seed int64, x, z int32) uint64 {
	ux := uint64(uint32(x))
	uz := uint64(uint32(z))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func hash3(seed int64, x int32, y int, z int32) uint64 {
	ux := uint64(uint32(x))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(z))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
