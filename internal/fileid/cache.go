package fileid

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultCacheSize is the number of binaries a Cache remembers.
const DefaultCacheSize = 512

// fileKey identifies one version of a file on disk.
type fileKey struct {
	path  string
	dev   uint64
	ino   uint64
	size  int64
	mtime int64
}

type cacheEntry struct {
	id     Identifier
	method Method
}

// Cache memoizes identifiers per file. A file that is replaced or rewritten
// gets a new key and is identified again.
type Cache struct {
	entries *lru.Cache[fileKey, cacheEntry]
}

// NewCache returns a cache holding at most size identifiers.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[fileKey, cacheEntry](size)
	if err != nil {
		return nil, errors.Wrap(err, "fileid: new cache")
	}
	return &Cache{entries: entries}, nil
}

func statKey(path string) (fileKey, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileKey{}, errors.Wrapf(err, "fileid: stat %s", path)
	}
	return fileKey{
		path:  path,
		dev:   uint64(st.Dev),
		ino:   uint64(st.Ino),
		size:  st.Size,
		mtime: st.Mtim.Nano(),
	}, nil
}

// Identify returns the identifier of path, computing it on a miss. The bool
// result reports a cache hit.
func (c *Cache) Identify(path string) (Identifier, Method, bool, error) {
	key, err := statKey(path)
	if err != nil {
		return Identifier{}, MethodNone, false, err
	}
	if e, ok := c.entries.Get(key); ok {
		return e.id, e.method, true, nil
	}
	id, method, err := FromFile(path)
	if err != nil {
		return Identifier{}, MethodNone, false, err
	}
	c.entries.Add(key, cacheEntry{id: id, method: method})
	return id, method, false, nil
}

// Len returns the number of cached identifiers.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached identifier.
func (c *Cache) Purge() {
	c.entries.Purge()
}
