// Package renderer produces the artifacts the HTTP layer serves: Deep
// Zoom tiles and descriptors, thumbnails, associated images and slide
// metadata. Tile and thumbnail bytes go through the cache layer; the
// rest is cheap enough to compute fresh on every request.
package renderer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"slideview/internal/cache"
	"slideview/internal/deepzoom"
	"slideview/internal/index"
	"slideview/internal/slide"
)

// TileFormat is the encoding advertised by the descriptor and used for
// every tile. Fixed: the client derives tile URLs from it.
const TileFormat = "jpeg"

// Options are the rendering knobs from the frozen configuration.
type Options struct {
	TileSize         int
	Overlap          int
	JpegQuality      int
	ThumbMaxPx       int
	PreferAssociated bool
	DecodeTimeout    time.Duration
}

// assocPreference is the order in which embedded associated images are
// considered for thumbnails.
var assocPreference = [...]string{"thumbnail", "macro", "label"}

type Renderer struct {
	index *index.Index
	pool  *slide.Pool
	cache *cache.Cache
	opts  Options
	log   *zap.Logger
}

// Result is an encoded artifact plus its ETag.
type Result struct {
	Data []byte
	ETag string
}

func New(ix *index.Index, pool *slide.Pool, c *cache.Cache, opts Options, log *zap.Logger) *Renderer {
	return &Renderer{
		index: ix,
		pool:  pool,
		cache: c,
		opts:  opts,
		log:   log,
	}
}

// Descriptor returns the DZI XML for a slide. It is computed from the
// same pyramid arithmetic as the tiles, so the advertised geometry and
// the served tile boundaries cannot drift apart.
func (r *Renderer) Descriptor(ctx context.Context, slideID string) (string, error) {
	path, err := r.index.Resolve(slideID)
	if err != nil {
		return "", err
	}
	lease, err := r.pool.Acquire(ctx, slideID, path)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	w, h := lease.Handle().Dimensions()
	return deepzoom.New(w, h, r.opts.TileSize, r.opts.Overlap).DZI(TileFormat), nil
}

// Tile returns the encoded tile at (level, col, row), cached under the
// tile TTL class.
func (r *Renderer) Tile(ctx context.Context, slideID string, level, col, row int) (*Result, error) {
	path, err := r.index.Resolve(slideID)
	if err != nil {
		return nil, err
	}

	key := cache.TileKey(slideID, level, col, row)
	data, err := r.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		return r.decode(ctx, func(ctx context.Context) ([]byte, error) {
			return r.renderTile(ctx, slideID, path, level, col, row)
		})
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, ETag: etag(key)}, nil
}

func (r *Renderer) renderTile(ctx context.Context, slideID, path string, level, col, row int) ([]byte, error) {
	lease, err := r.pool.Acquire(ctx, slideID, path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	h := lease.Handle()

	w, ht := h.Dimensions()
	pyramid := deepzoom.New(w, ht, r.opts.TileSize, r.opts.Overlap)

	tile, err := pyramid.TileBounds(level, col, row)
	if err != nil {
		return nil, err
	}
	targetDS, err := pyramid.Downsample(level)
	if err != nil {
		return nil, err
	}

	srcLevel := deepzoom.BestSourceLevel(h.LevelDownsamples(), float64(targetDS))
	img, err := h.ReadRegion(srcLevel, tile.Region)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	// Scale the region down to the exact tile size the pyramid formula
	// dictates. Lanczos keeps the downsample area-accurate.
	if img.Width() != tile.OutW || img.Height() != tile.OutH {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		resizeOpts.Vscale = float64(tile.OutH) / float64(img.Height())
		if err := img.Resize(float64(tile.OutW)/float64(img.Width()), resizeOpts); err != nil {
			return nil, fmt.Errorf("%w: resize tile: %v", slide.ErrUnreadable, err)
		}
	}
	// Rounding in the resampler may still miss by a pixel; the output
	// dimensions are a strict contract with the viewer.
	if err := forceSize(img, tile.OutW, tile.OutH); err != nil {
		return nil, err
	}

	return encodeJPEG(img, r.opts.JpegQuality)
}

// Thumbnail returns a preview bounded to the configured maximum edge,
// cached under the thumb TTL class. An embedded associated image is
// preferred when configured and present; its absence is never an
// error.
func (r *Renderer) Thumbnail(ctx context.Context, slideID string) (*Result, error) {
	path, err := r.index.Resolve(slideID)
	if err != nil {
		return nil, err
	}

	key := cache.ThumbKey(slideID)
	data, err := r.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		return r.decode(ctx, func(ctx context.Context) ([]byte, error) {
			return r.renderThumbnail(ctx, slideID, path)
		})
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, ETag: etag(key)}, nil
}

func (r *Renderer) renderThumbnail(ctx context.Context, slideID, path string) ([]byte, error) {
	lease, err := r.pool.Acquire(ctx, slideID, path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	h := lease.Handle()

	if r.opts.PreferAssociated {
		for _, name := range assocPreference {
			if !h.HasAssociated(name) {
				continue
			}
			img, err := h.Associated(name)
			if err != nil {
				r.log.Warn("associated image unreadable, deriving thumbnail from pyramid",
					zap.String("slide", slideID), zap.String("name", name), zap.Error(err))
				break
			}
			defer img.Close()
			return r.boundAndEncode(img)
		}
	}

	// Read the coarsest native level that still has maxPx on its longer
	// edge, so the downscale never upsamples.
	w, ht := h.Dimensions()
	level := 0
	for i := 0; i < h.LevelCount(); i++ {
		lw, lh := h.LevelDimensions(i)
		if max(lw, lh) >= r.opts.ThumbMaxPx {
			level = i
		}
	}

	img, err := h.ReadRegion(level, image.Rect(0, 0, w, ht))
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return r.boundAndEncode(img)
}

// boundAndEncode downscales img proportionally so its longer edge is at
// most the thumbnail bound, never upscaling, and encodes it.
func (r *Renderer) boundAndEncode(img *vips.Image) ([]byte, error) {
	if scale := thumbScale(img.Width(), img.Height(), r.opts.ThumbMaxPx); scale < 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("%w: resize thumbnail: %v", slide.ErrUnreadable, err)
		}
	}
	return encodeJPEG(img, r.opts.JpegQuality)
}

// thumbScale is the uniform factor that brings the longer edge of a
// w×h image down to maxPx. It is 1 for images already within the
// bound: thumbnails are never upscaled.
func thumbScale(w, h, maxPx int) float64 {
	longer := max(w, h)
	if longer <= maxPx {
		return 1
	}
	return float64(maxPx) / float64(longer)
}

// Metadata is the slide's display metadata. Always computed fresh: it
// is one header read, and staleness here would be worse than the cost.
type Metadata struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Path           string   `json:"path"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Vendor         string   `json:"vendor,omitempty"`
	ObjectivePower string   `json:"objective_power,omitempty"`
	LevelCount     int      `json:"level_count"`
	MppX           float64  `json:"mpp_x,omitempty"`
	MppY           float64  `json:"mpp_y,omitempty"`
	CreatedTS      int64    `json:"created_ts"`
	FileSize       int64    `json:"file_size"`
	Associated     []string `json:"associated"`
}

func (r *Renderer) Metadata(ctx context.Context, slideID string) (*Metadata, error) {
	path, err := r.index.Resolve(slideID)
	if err != nil {
		return nil, err
	}
	lease, err := r.pool.Acquire(ctx, slideID, path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	h := lease.Handle()

	w, ht := h.Dimensions()
	mppX, mppY := h.MPP()
	md := &Metadata{
		ID:             slideID,
		Name:           filepath.Base(path),
		Path:           path,
		Width:          w,
		Height:         ht,
		Vendor:         h.Vendor(),
		ObjectivePower: h.ObjectivePower(),
		LevelCount:     h.LevelCount(),
		MppX:           mppX,
		MppY:           mppY,
		Associated:     append([]string{}, h.AssociatedNames()...),
	}
	if fi, err := os.Stat(path); err == nil {
		md.CreatedTS = fi.ModTime().Unix()
		md.FileSize = fi.Size()
	}
	return md, nil
}

// AssociatedNames lists the embedded associated images of a slide.
func (r *Renderer) AssociatedNames(ctx context.Context, slideID string) ([]string, error) {
	path, err := r.index.Resolve(slideID)
	if err != nil {
		return nil, err
	}
	lease, err := r.pool.Acquire(ctx, slideID, path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return append([]string{}, lease.Handle().AssociatedNames()...), nil
}

// Associated returns one associated image, JPEG encoded. Not cached:
// these are fetched rarely and are small.
func (r *Renderer) Associated(ctx context.Context, slideID, name string) ([]byte, error) {
	path, err := r.index.Resolve(slideID)
	if err != nil {
		return nil, err
	}
	return r.decode(ctx, func(ctx context.Context) ([]byte, error) {
		lease, err := r.pool.Acquire(ctx, slideID, path)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		if !lease.Handle().HasAssociated(name) {
			return nil, fmt.Errorf("%w: associated image %q", index.ErrNotFound, name)
		}
		img, err := lease.Handle().Associated(name)
		if err != nil {
			return nil, err
		}
		defer img.Close()
		return encodeJPEG(img, r.opts.JpegQuality)
	})
}

// decode runs fn under the configured decode timeout. On timeout the
// decode keeps running in its goroutine until the blocking vips call
// returns (it cannot be interrupted mid-read) and then cleans up after
// itself; the caller gets ErrTimeout, which singleflight fans out to
// every waiter on the same key. fn receives the deadline-carrying
// context so that anything cancelable inside it, like a pool acquire
// under saturation, unblocks once the decode is abandoned.
func (r *Renderer) decode(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DecodeTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := fn(ctx)
		ch <- result{data, err}
	}()

	select {
	case out := <-ch:
		return out.data, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", slide.ErrTimeout, r.opts.DecodeTimeout)
		}
		return nil, ctx.Err()
	}
}

// forceSize makes the image exactly w×h: crop a pixel of excess, or
// extend the edge pixels to cover a pixel of shortfall.
func forceSize(img *vips.Image, w, h int) error {
	if img.Width() == w && img.Height() == h {
		return nil
	}
	if img.Width() >= w && img.Height() >= h {
		if err := img.ExtractArea(0, 0, w, h); err != nil {
			return fmt.Errorf("%w: crop to %dx%d: %v", slide.ErrUnreadable, w, h, err)
		}
		return nil
	}
	embedOpts := vips.DefaultEmbedOptions()
	embedOpts.Extend = vips.ExtendCopy
	if err := img.Embed(0, 0, w, h, embedOpts); err != nil {
		return fmt.Errorf("%w: pad to %dx%d: %v", slide.ErrUnreadable, w, h, err)
	}
	return nil
}

// encodeJPEG flattens any alpha channel and exports the image.
func encodeJPEG(img *vips.Image, quality int) ([]byte, error) {
	if img.Bands() > 3 {
		flattenOpts := vips.DefaultFlattenOptions()
		flattenOpts.Background = []float64{255, 255, 255}
		if err := img.Flatten(flattenOpts); err != nil {
			return nil, fmt.Errorf("%w: flatten: %v", slide.ErrUnreadable, err)
		}
	}
	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = quality
	jpegOpts.Interlace = false
	data, err := img.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg encode: %v", slide.ErrUnreadable, err)
	}
	return data, nil
}

// etag derives the deterministic entity tag from the cache key.
func etag(key cache.Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])[:16]
}
