// Package deepzoom implements Deep Zoom tile addressing over a slide's
// native pixel dimensions. Level 0 is a 1×1 pixel image; the top level
// is full native resolution; each level doubles the linear resolution
// of the one below. All of it is closed-form arithmetic: a Pyramid
// holds no state beyond its defining parameters.
package deepzoom

import (
	"errors"
	"fmt"
	"image"
	"math/bits"
)

// ErrOutOfRange reports a level/col/row outside the pyramid's valid
// addressing.
var ErrOutOfRange = errors.New("level or tile address out of range")

// Pyramid is the purely computed Deep Zoom view of one slide.
type Pyramid struct {
	Width    int // native pixels
	Height   int
	TileSize int
	Overlap  int
}

func New(width, height, tileSize, overlap int) Pyramid {
	return Pyramid{Width: width, Height: height, TileSize: tileSize, Overlap: overlap}
}

// MaxLevel is ceil(log2(max(width, height))): the level at which the
// slide appears at full native resolution.
func (p Pyramid) MaxLevel() int {
	d := p.Width
	if p.Height > d {
		d = p.Height
	}
	if d <= 1 {
		return 0
	}
	// ceil(log2(d)) == bit length of d-1
	return bits.Len(uint(d - 1))
}

func (p Pyramid) LevelCount() int {
	return p.MaxLevel() + 1
}

// Downsample is the factor between level coordinates and native
// coordinates: 2^(maxLevel - level).
func (p Pyramid) Downsample(level int) (int, error) {
	if level < 0 || level > p.MaxLevel() {
		return 0, fmt.Errorf("%w: level %d of %d", ErrOutOfRange, level, p.MaxLevel())
	}
	return 1 << (p.MaxLevel() - level), nil
}

// LevelDimensions returns the pixel size of a level:
// ceil(native / 2^(maxLevel-level)) per axis.
func (p Pyramid) LevelDimensions(level int) (int, int, error) {
	ds, err := p.Downsample(level)
	if err != nil {
		return 0, 0, err
	}
	return ceilDiv(p.Width, ds), ceilDiv(p.Height, ds), nil
}

// TileGrid returns the number of tile columns and rows at a level.
func (p Pyramid) TileGrid(level int) (int, int, error) {
	w, h, err := p.LevelDimensions(level)
	if err != nil {
		return 0, 0, err
	}
	return ceilDiv(w, p.TileSize), ceilDiv(h, p.TileSize), nil
}

// Tile describes one resolved tile request: the native-resolution pixel
// rectangle it covers and the exact pixel size of the encoded output.
// The client viewer's coordinate math depends on OutW/OutH matching the
// level formula exactly, clipped edge tiles included.
type Tile struct {
	Region image.Rectangle // native pixels, overlap included, clipped
	OutW   int             // level pixels
	OutH   int
}

// TileBounds resolves (level, col, row) to its native region and output
// size. Overlap extends into neighboring tiles except at pyramid edges,
// where tiles are clipped to the level bounds instead of padded.
func (p Pyramid) TileBounds(level, col, row int) (Tile, error) {
	lw, lh, err := p.LevelDimensions(level)
	if err != nil {
		return Tile{}, err
	}
	cols := ceilDiv(lw, p.TileSize)
	rows := ceilDiv(lh, p.TileSize)
	if col < 0 || col >= cols || row < 0 || row >= rows {
		return Tile{}, fmt.Errorf("%w: tile (%d,%d) at level %d, grid %dx%d",
			ErrOutOfRange, col, row, level, cols, rows)
	}

	x0, w := tileSpan(col, cols, p.TileSize, p.Overlap, lw)
	y0, h := tileSpan(row, rows, p.TileSize, p.Overlap, lh)

	ds := 1 << (p.MaxLevel() - level)
	nx0 := x0 * ds
	ny0 := y0 * ds
	nx1 := min((x0+w)*ds, p.Width)
	ny1 := min((y0+h)*ds, p.Height)

	return Tile{
		Region: image.Rect(nx0, ny0, nx1, ny1),
		OutW:   w,
		OutH:   h,
	}, nil
}

// tileSpan computes one axis of a tile: its start in level pixels and
// its extent, with overlap on interior edges and clipping at the level
// boundary.
func tileSpan(idx, count, tileSize, overlap, levelDim int) (start, extent int) {
	start = idx * tileSize
	extent = tileSize
	if idx > 0 {
		start -= overlap
		extent += overlap
	}
	if idx < count-1 {
		extent += overlap
	}
	if start+extent > levelDim {
		extent = levelDim - start
	}
	return start, extent
}

// BestSourceLevel picks the native pyramid level to read from when
// producing tiles at the given Deep Zoom downsample: the deepest source
// level whose downsample does not exceed the target, so the region is
// never upsampled below the resolution the tile needs. downsamples must
// be ascending, with downsamples[0] == 1.
func BestSourceLevel(downsamples []float64, target float64) int {
	best := 0
	for i, ds := range downsamples {
		if ds <= target+1e-9 {
			best = i
		} else {
			break
		}
	}
	return best
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
