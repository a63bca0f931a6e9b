// Package slide wraps the native slide decoder (libvips with the
// OpenSlide loader) behind pooled handles.
package slide

import (
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cshum/vipsgen/vips"
)

var (
	// ErrUnreadable means the decoder cannot open or read the file:
	// missing, corrupt, unsupported format or permission denied.
	ErrUnreadable = errors.New("slide unreadable")

	// ErrTimeout means a decode exceeded the configured bound.
	ErrTimeout = errors.New("decode timed out")
)

// openslideExts are formats routed through the OpenSlide loader. Plain
// raster formats go through the generic loaders and present as a
// single-level pyramid.
var openslideExts = map[string]bool{
	".svs":     true,
	".ndpi":    true,
	".scn":     true,
	".mrxs":    true,
	".bif":     true,
	".vms":     true,
	".vmu":     true,
	".svslide": true,
	".tif":     true,
	".tiff":    true,
}

// Handle is one open decoder view of a slide file. It probes geometry
// and calibration once at open time; region reads load the wanted
// native level on demand (libvips keeps the underlying OpenSlide
// object in its operation cache, so repeated loads of the same file
// are cheap).
type Handle struct {
	path string

	base *vips.Image // level 0 view, kept open for header access

	width  int
	height int

	levelCount       int
	levelDimensions  [][2]int
	levelDownsamples []float64

	mppX      float64 // microns per pixel, 0 when uncalibrated
	mppY      float64
	vendor    string
	objective string

	associated []string
	openslide  bool
}

// Open opens the slide at path. Failures wrap ErrUnreadable.
func Open(path string) (*Handle, error) {
	ext := strings.ToLower(filepath.Ext(path))

	if openslideExts[ext] {
		return openViaOpenslide(path)
	}
	return openGeneric(path, ext)
}

func openViaOpenslide(path string) (*Handle, error) {
	opts := vips.DefaultOpenslideloadOptions()
	opts.Access = vips.AccessRandom
	img, err := vips.NewOpenslideload(path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}

	h := &Handle{
		path:      path,
		base:      img,
		width:     img.Width(),
		height:    img.Height(),
		openslide: true,
	}

	h.levelCount = intHeader(img, "openslide.level-count", 1)
	for i := 0; i < h.levelCount; i++ {
		lw := intHeader(img, fmt.Sprintf("openslide.level[%d].width", i), 0)
		lh := intHeader(img, fmt.Sprintf("openslide.level[%d].height", i), 0)
		ds := floatHeader(img, fmt.Sprintf("openslide.level[%d].downsample", i), 0)
		if lw <= 0 || lh <= 0 {
			break
		}
		if ds <= 0 {
			ds = float64(h.width) / float64(lw)
		}
		h.levelDimensions = append(h.levelDimensions, [2]int{lw, lh})
		h.levelDownsamples = append(h.levelDownsamples, ds)
	}
	if len(h.levelDimensions) == 0 {
		h.levelDimensions = [][2]int{{h.width, h.height}}
		h.levelDownsamples = []float64{1}
	}
	h.levelCount = len(h.levelDimensions)

	h.mppX = floatHeader(img, "openslide.mpp-x", 0)
	h.mppY = floatHeader(img, "openslide.mpp-y", 0)
	h.vendor = stringHeader(img, "openslide.vendor")
	h.objective = stringHeader(img, "openslide.objective-power")

	if raw := stringHeader(img, "slide-associated-images"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.associated = append(h.associated, name)
			}
		}
	}

	return h, nil
}

func openGeneric(path, ext string) (*Handle, error) {
	img, err := loadGeneric(path, ext)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		path:             path,
		base:             img,
		width:            img.Width(),
		height:           img.Height(),
		levelCount:       1,
		levelDimensions:  [][2]int{{img.Width(), img.Height()}},
		levelDownsamples: []float64{1},
	}
	return h, nil
}

func loadGeneric(path, ext string) (*vips.Image, error) {
	access := vips.AccessRandom

	switch ext {
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		img, err := vips.NewJpegload(path, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
		}
		return img, nil
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		img, err := vips.NewPngload(path, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
		}
		return img, nil
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		img, err := vips.NewWebpload(path, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: unsupported format: %s", ErrUnreadable, ext)
	}
}

func (h *Handle) Path() string { return h.path }

// Dimensions returns the native pixel size.
func (h *Handle) Dimensions() (int, int) { return h.width, h.height }

// LevelCount is the number of native pyramid levels the format carries.
func (h *Handle) LevelCount() int { return h.levelCount }

func (h *Handle) LevelDimensions(level int) (int, int) {
	d := h.levelDimensions[level]
	return d[0], d[1]
}

// LevelDownsamples returns the per-level downsample factors, ascending,
// starting at 1.
func (h *Handle) LevelDownsamples() []float64 { return h.levelDownsamples }

// MPP returns the microns-per-pixel calibration, or (0, 0) when the
// format carries none.
func (h *Handle) MPP() (float64, float64) { return h.mppX, h.mppY }

func (h *Handle) Vendor() string         { return h.vendor }
func (h *Handle) ObjectivePower() string { return h.objective }

// AssociatedNames lists the embedded associated images (label, macro,
// thumbnail and the like).
func (h *Handle) AssociatedNames() []string { return h.associated }

// HasAssociated reports whether the named associated image exists.
func (h *Handle) HasAssociated(name string) bool {
	for _, n := range h.associated {
		if n == name {
			return true
		}
	}
	return false
}

// ReadRegion loads the part of the given native level that covers the
// native-resolution rectangle region. The returned image is owned by
// the caller, who must Close it.
func (h *Handle) ReadRegion(level int, region image.Rectangle) (*vips.Image, error) {
	if level < 0 || level >= h.levelCount {
		return nil, fmt.Errorf("%w: no native level %d in %s", ErrUnreadable, level, h.path)
	}

	img, err := h.openLevel(level)
	if err != nil {
		return nil, err
	}

	ds := h.levelDownsamples[level]
	lw, lh := h.levelDimensions[level][0], h.levelDimensions[level][1]

	x := int(float64(region.Min.X) / ds)
	y := int(float64(region.Min.Y) / ds)
	w := int(math.Ceil(float64(region.Dx()) / ds))
	hh := int(math.Ceil(float64(region.Dy()) / ds))
	if x+w > lw {
		w = lw - x
	}
	if y+hh > lh {
		hh = lh - y
	}
	if w <= 0 || hh <= 0 {
		img.Close()
		return nil, fmt.Errorf("%w: empty region %v at level %d", ErrUnreadable, region, level)
	}

	if err := img.ExtractArea(x, y, w, hh); err != nil {
		img.Close()
		return nil, fmt.Errorf("%w: extract %v at level %d: %v", ErrUnreadable, region, level, err)
	}
	return img, nil
}

// openLevel opens a fresh decoder view of one native level.
func (h *Handle) openLevel(level int) (*vips.Image, error) {
	if !h.openslide {
		// Single-level sources reload through the generic path.
		return loadGeneric(h.path, strings.ToLower(filepath.Ext(h.path)))
	}
	opts := vips.DefaultOpenslideloadOptions()
	opts.Access = vips.AccessRandom
	opts.Level = level
	img, err := vips.NewOpenslideload(h.path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s level %d: %v", ErrUnreadable, h.path, level, err)
	}
	return img, nil
}

// Associated loads the named associated image. The caller owns the
// returned image.
func (h *Handle) Associated(name string) (*vips.Image, error) {
	if !h.openslide || !h.HasAssociated(name) {
		return nil, fmt.Errorf("%w: no associated image %q in %s", ErrUnreadable, name, h.path)
	}
	opts := vips.DefaultOpenslideloadOptions()
	opts.Associated = name
	img, err := vips.NewOpenslideload(h.path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: associated %q in %s: %v", ErrUnreadable, name, h.path, err)
	}
	return img, nil
}

// Close releases the probe view. Safe on a zero handle.
func (h *Handle) Close() {
	if h.base != nil {
		h.base.Close()
		h.base = nil
	}
}

func intHeader(img *vips.Image, name string, def int) int {
	if s := stringHeader(img, name); s != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return def
}

func floatHeader(img *vips.Image, name string, def float64) float64 {
	if s := stringHeader(img, name); s != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v
		}
	}
	return def
}

func stringHeader(img *vips.Image, name string) string {
	s, err := img.GetString(name)
	if err != nil {
		return ""
	}
	return s
}
