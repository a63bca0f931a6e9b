package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class is the artifact class a cache entry belongs to. Each class has
// its own TTL and its own key namespace.
type Class string

const (
	ClassTree  Class = "tree"
	ClassThumb Class = "thumb"
	ClassTile  Class = "tile"
)

// Key identifies one cached artifact. ID is the slide id for thumb/tile
// entries and the root path for tree entries; Level/Col/Row are only
// meaningful for tiles.
type Key struct {
	Class Class
	ID    string
	Level int
	Col   int
	Row   int
}

func TreeKey(rootPath string) Key {
	return Key{Class: ClassTree, ID: rootPath}
}

func ThumbKey(slideID string) Key {
	return Key{Class: ClassThumb, ID: slideID}
}

func TileKey(slideID string, level, col, row int) Key {
	return Key{Class: ClassTile, ID: slideID, Level: level, Col: col, Row: row}
}

// maxKeyLen bounds key size in the backend; longer keys collapse to
// their sha1 digest, still namespaced by class.
const maxKeyLen = 100

// String renders the stable backend key. Identical inputs always yield
// the identical key.
func (k Key) String() string {
	parts := []string{string(k.Class), k.ID}
	if k.Class == ClassTile {
		parts = append(parts, fmt.Sprintf("%d/%d/%d", k.Level, k.Col, k.Row))
	}
	s := strings.Join(parts, "|")
	if len(s) > maxKeyLen {
		sum := sha1.Sum([]byte(s))
		return string(k.Class) + "|" + hex.EncodeToString(sum[:])
	}
	return s
}

var (
	// ErrMiss is returned by a Store when the key is absent or expired.
	ErrMiss = errors.New("cache miss")

	// ErrUnavailable wraps backend failures. The Cache front end absorbs
	// it by falling back to direct computation; it never surfaces.
	ErrUnavailable = errors.New("cache backend unavailable")
)

// Store is the external TTL key-value backend behind the cache layer.
// Entries are immutable once written and expire naturally.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}
