package restore

import (
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/text/cases"
)

// pathLocks is a sharded table of exclusive per-path locks. An entry only exists while
// some goroutine holds or waits for its lock, so the table never outgrows the set of
// in-flight paths.
type pathLocks struct {
	table cmap.ConcurrentMap[string, *pathLock]
}

type pathLock struct {
	mu sync.Mutex
	// refs is only touched under the shard lock of the table.
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{
		table: cmap.NewWithCustomShardingFunction[string, *pathLock](func(key string) uint32 {
			return uint32(xxhash.Sum64String(key))
		}),
	}
}

// lock blocks until the lock of path is held and returns its release function.
func (p *pathLocks) lock(path string) func() {
	key := lockKey(path)
	l := p.table.Upsert(key, nil, func(exist bool, inMap, _ *pathLock) *pathLock {
		if !exist {
			inMap = &pathLock{}
		}
		inMap.refs++
		return inMap
	})
	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			p.table.RemoveCb(key, func(_ string, v *pathLock, exists bool) bool {
				if !exists {
					return false
				}
				v.refs--
				return v.refs == 0
			})
		})
	}
}

// held reports whether any goroutine holds or waits for the lock of path.
func (p *pathLocks) held(path string) bool {
	return p.table.Has(lockKey(path))
}

func (p *pathLocks) size() int {
	return p.table.Count()
}

func lockKey(path string) string {
	return cases.Fold().String(filepath.Clean(path))
}
