package world

import (
	"fmt"

	"strata.dev/internal/chunk"
)

// Chunk returns the resident chunk at pos, if any. The chunk remains owned
// by the engine; callers must not retain it across Update.
func (e *Engine) Chunk(pos chunk.Coord) (*chunk.Chunk, bool) {
	c, ok := e.resident[pos]
	return c, ok
}

// ChunkState reports where a chunk is in its lifecycle.
func (e *Engine) ChunkState(pos chunk.Coord) chunk.State {
	if _, ok := e.resident[pos]; ok {
		return chunk.StateReady
	}
	if _, ok := e.pending[pos]; ok {
		return chunk.StateGenerating
	}
	return chunk.StateUnloaded
}

// LoadedCount returns the number of resident chunks.
func (e *Engine) LoadedCount() int { return len(e.resident) }

// BlockAt reads one world-coordinate voxel. The second return is false when
// the owning chunk is not resident or y is out of range.
func (e *Engine) BlockAt(wx int32, y int, wz int32) (chunk.Block, bool) {
	if y < 0 || y >= chunk.Height {
		return chunk.Air, false
	}
	cp := chunk.AtBlock(wx, wz)
	c, ok := e.resident[cp]
	if !ok {
		return chunk.Air, false
	}
	ox, oz := cp.BlockOrigin()
	return c.Block(int(wx-ox), int(wz-oz), y), true
}

// SetBlockAt writes one world-coordinate voxel into a resident chunk,
// marking it modified if the value changes. Returns false when the owning
// chunk is not resident or y is out of range.
func (e *Engine) SetBlockAt(wx int32, y int, wz int32, b chunk.Block) bool {
	if y < 0 || y >= chunk.Height {
		return false
	}
	cp := chunk.AtBlock(wx, wz)
	c, ok := e.resident[cp]
	if !ok {
		return false
	}
	ox, oz := cp.BlockOrigin()
	c.SetBlock(int(wx-ox), int(wz-oz), y, b)
	return true
}

// Snapshot is a copied cuboid of blocks in x-outer, z-middle, y-inner order.
type Snapshot struct {
	SizeX, SizeZ, SizeY int
	Blocks              []chunk.Block
}

// CopyRegion copies the cuboid spanned by the two corners (inclusive). Every
// chunk the cuboid touches must be resident.
func (e *Engine) CopyRegion(x1, z1 int32, y1 int, x2, z2 int32, y2 int) (*Snapshot, error) {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if z2 < z1 {
		z1, z2 = z2, z1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	if y1 < 0 || y2 >= chunk.Height {
		return nil, fmt.Errorf("copy region: y range [%d,%d] out of bounds", y1, y2)
	}

	snap := &Snapshot{
		SizeX: int(x2-x1) + 1,
		SizeZ: int(z2-z1) + 1,
		SizeY: y2 - y1 + 1,
	}
	snap.Blocks = make([]chunk.Block, snap.SizeX*snap.SizeZ*snap.SizeY)

	i := 0
	for wx := x1; wx <= x2; wx++ {
		for wz := z1; wz <= z2; wz++ {
			for y := y1; y <= y2; y++ {
				b, ok := e.BlockAt(wx, y, wz)
				if !ok {
					return nil, fmt.Errorf("copy region: chunk at block (%d,%d) not loaded", wx, wz)
				}
				snap.Blocks[i] = b
				i++
			}
		}
	}
	return snap, nil
}

// PasteRegion writes a snapshot with its minimum corner at the given world
// position. Every chunk it touches must be resident; nothing is written if
// any part of the target is unavailable.
func (e *Engine) PasteRegion(x int32, y int, z int32, snap *Snapshot) error {
	if y < 0 || y+snap.SizeY > chunk.Height {
		return fmt.Errorf("paste region: y range [%d,%d) out of bounds", y, y+snap.SizeY)
	}
	for dx := 0; dx < snap.SizeX; dx++ {
		for dz := 0; dz < snap.SizeZ; dz++ {
			wx := x + int32(dx)
			wz := z + int32(dz)
			if _, ok := e.resident[chunk.AtBlock(wx, wz)]; !ok {
				return fmt.Errorf("paste region: chunk at block (%d,%d) not loaded", wx, wz)
			}
		}
	}

	i := 0
	for dx := 0; dx < snap.SizeX; dx++ {
		for dz := 0; dz < snap.SizeZ; dz++ {
			for dy := 0; dy < snap.SizeY; dy++ {
				e.SetBlockAt(x+int32(dx), y+dy, z+int32(dz), snap.Blocks[i])
				i++
			}
		}
	}
	return nil
}
