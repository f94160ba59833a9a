/*
	Package rescache caches finished, already-encoded payloads keyed by the
	canonical data identifier.  Entries are immutable once written; a
	changed dataset on disk requires an explicit Flush.  When sized to
	zero the cache degrades to pass-through and every request re-invokes
	the extractor.

	Concurrent requests for the same uncached key are deduplicated with
	singleflight so one slow decode does not run N times.
*/

package rescache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/visor-platform/visor/visor"
)

// Config sizes the result cache.  A zero SizeMB disables caching.
type Config struct {
	SizeMB     int `toml:"size_mb"`
	TTLSeconds int `toml:"ttl_seconds"`
}

// Entry is one cached response payload.
type Entry struct {
	Data        []byte
	ContentType string
}

// Cache is the encoded-result cache.  The zero value is not usable; call New.
type Cache struct {
	fc  *freecache.Cache
	ttl int

	group singleflight.Group
}

// New returns a cache per the config, or a disabled pass-through cache when
// the configured size is zero.
func New(config Config) *Cache {
	c := &Cache{ttl: config.TTLSeconds}
	if config.SizeMB > 0 {
		c.fc = freecache.NewCache(config.SizeMB * visor.Mega)
		visor.Infof("Result cache enabled: %d MB, TTL %d s\n", config.SizeMB, config.TTLSeconds)
	} else {
		visor.Infof("Result cache disabled, running pass-through\n")
	}
	return c
}

// Enabled reports whether results are being cached.
func (c *Cache) Enabled() bool {
	return c.fc != nil
}

// GetOrFill returns the cached entry for a canonical identifier, running
// fill on a miss.  hit reports whether the entry came from cache.  With the
// cache disabled, fill runs unconditionally and nothing is stored.
//
// Concurrent misses on one key share a single fill.  A shared fill can fail
// with the leader's context error when that client disconnects; since each
// caller's fill closure carries its own request context, such failures are
// retried per caller so one client's cancellation never fails another's
// request.
func (c *Cache) GetOrFill(key string, fill func() (Entry, error)) (entry Entry, hit bool, err error) {
	if c.fc == nil {
		entry, err = fill()
		return entry, false, err
	}

	if value, cerr := c.fc.Get([]byte(key)); cerr == nil {
		if entry, err = decodeEntry(value); err == nil {
			return entry, true, nil
		}
		// Undecodable entries are dropped and refilled.
		visor.Errorf("Dropping corrupt cache entry for %q: %v\n", key, err)
		c.fc.Del([]byte(key))
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		filled, ferr := c.fillStore(key, fill)
		return filled, ferr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			entry, err = c.fillStore(key, fill)
			return entry, false, err
		}
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}

// fillStore runs fill and caches its result.
func (c *Cache) fillStore(key string, fill func() (Entry, error)) (Entry, error) {
	filled, err := fill()
	if err != nil {
		return Entry{}, err
	}
	if serr := c.fc.Set([]byte(key), encodeEntry(filled), c.ttl); serr != nil {
		// An oversized entry is served uncached rather than failed.
		visor.Warningf("Unable to cache %s entry for %q: %v\n",
			humanize.Bytes(uint64(len(filled.Data))), key, serr)
	}
	return filled, nil
}

// Flush drops every cached entry.
func (c *Cache) Flush() {
	if c.fc != nil {
		c.fc.Clear()
		visor.Infof("Result cache flushed\n")
	}
}

// Stats returns a short human-readable cache summary.
func (c *Cache) Stats() string {
	if c.fc == nil {
		return "result cache disabled"
	}
	return fmt.Sprintf("result cache: %d entries, %.1f%% hit rate, %d evictions",
		c.fc.EntryCount(), c.fc.HitRate()*100, c.fc.EvacuateCount())
}

// Cached values carry the content type inline:
// uint16 content-type length | content type | payload.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 2+len(e.ContentType)+len(e.Data))
	binary.LittleEndian.PutUint16(buf, uint16(len(e.ContentType)))
	copy(buf[2:], e.ContentType)
	copy(buf[2+len(e.ContentType):], e.Data)
	return buf
}

func decodeEntry(value []byte) (Entry, error) {
	if len(value) < 2 {
		return Entry{}, fmt.Errorf("cache entry too short (%d bytes)", len(value))
	}
	ctypeLen := int(binary.LittleEndian.Uint16(value))
	if 2+ctypeLen > len(value) {
		return Entry{}, fmt.Errorf("cache entry content-type length %d exceeds entry", ctypeLen)
	}
	return Entry{
		ContentType: string(value[2 : 2+ctypeLen]),
		Data:        value[2+ctypeLen:],
	}, nil
}
