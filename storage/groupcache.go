package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/groupcache"

	"github.com/visor-platform/visor/visor"
)

// GridStore is implemented by chunked stores that can fetch one stored
// chunk's encoded bytes.  The chunk coordinate is in chunk-grid units, not
// voxels.  A (nil, nil) return means the chunk is absent and the caller
// should substitute fill values.
type GridStore interface {
	GridGet(ctx context.Context, level, channel int, chunk visor.Point3d) ([]byte, error)
}

// GroupcacheConfig configures the cross-process chunk cache.
type GroupcacheConfig struct {
	GB   int    `toml:"cache_size_gb"`
	Host string `toml:"host"`

	Peers []string `toml:"peers"`
}

var (
	gcache struct {
		sync.RWMutex
		group  *groupcache.Group
		stores map[string]GridStore
	}
)

// SetupGroupcache initializes the distributed chunk cache.  Must be called
// before any store is wrapped; a zero GB config disables caching.
func SetupGroupcache(config GroupcacheConfig) error {
	if config.GB == 0 {
		return nil
	}
	var cacheBytes int64
	cacheBytes = int64(config.GB) << 30

	pool := groupcache.NewHTTPPool(config.Host)
	if pool != nil {
		visor.Infof("Initializing groupcache with %d GB at %s...\n", config.GB, config.Host)
		gcache.stores = make(map[string]GridStore)
		gcache.group = groupcache.NewGroup("chunkGrid", cacheBytes, groupcache.GetterFunc(
			func(c groupcache.Context, key string, dest groupcache.Sink) error {
				// Key is "store id|level|channel|z,y,x".
				parts := strings.SplitN(key, "|", 4)
				if len(parts) != 4 {
					return fmt.Errorf("bad groupcache key %q", key)
				}
				gcache.RLock()
				gs, found := gcache.stores[parts[0]]
				gcache.RUnlock()
				if !found {
					return fmt.Errorf("groupcache key %q references unknown store", key)
				}
				var level, channel int
				if _, err := fmt.Sscanf(parts[1], "%d", &level); err != nil {
					return fmt.Errorf("bad level in groupcache key %q", key)
				}
				if _, err := fmt.Sscanf(parts[2], "%d", &channel); err != nil {
					return fmt.Errorf("bad channel in groupcache key %q", key)
				}
				var chunk visor.Point3d
				if _, err := fmt.Sscanf(parts[3], "%d,%d,%d", &chunk[0], &chunk[1], &chunk[2]); err != nil {
					return fmt.Errorf("bad chunk coord in groupcache key %q", key)
				}
				ctx, ok := c.(context.Context)
				if !ok {
					ctx = context.Background()
				}
				data, err := gs.GridGet(ctx, level, channel, chunk)
				if err != nil {
					return err
				}
				// Absent chunks cache as zero-length values.
				return dest.SetBytes(data)
			}))

		if len(config.Peers) > 0 {
			peers := append([]string{config.Host}, config.Peers...)
			pool.Set(peers...)
			visor.Infof("Groupcache configured with peers: %s\n", strings.Join(peers, ", "))
		}
	}
	return nil
}

// WrapGrid returns a GridStore whose chunk reads go through groupcache under
// the given store id.  If groupcache was not set up, the store is returned
// unwrapped.
func WrapGrid(storeID string, gs GridStore) GridStore {
	gcache.Lock()
	defer gcache.Unlock()
	if gcache.group == nil {
		return gs
	}
	gcache.stores[storeID] = gs
	return &cachedGrid{storeID: storeID, group: gcache.group}
}

type cachedGrid struct {
	storeID string
	group   *groupcache.Group
}

func (cg *cachedGrid) GridGet(ctx context.Context, level, channel int, chunk visor.Point3d) ([]byte, error) {
	key := fmt.Sprintf("%s|%d|%d|%d,%d,%d", cg.storeID, level, channel, chunk[0], chunk[1], chunk[2])
	var data []byte
	if err := cg.group.Get(ctx, key, groupcache.AllocatingByteSliceSink(&data)); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
