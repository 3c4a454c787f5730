package storage

import (
	"sync"

	"github.com/hivemail/hivesync/activesync"
	"github.com/hivemail/hivesync/database"
)

// MockStorage is an in-memory activesync.Storage. All stores created from
// one MockStorage share the same data, so a test can exercise concurrent
// sessions against a single backing map.
type MockStorage struct {
	mu     sync.Mutex
	caches map[string]*cacheRecord
	states map[string][]stateRecord
}

type cacheRecord struct {
	data    activesync.CacheData
	version uint64
}

type stateRecord struct {
	key  activesync.SyncKey
	data activesync.StateData
}

func New() *MockStorage {
	return &MockStorage{
		caches: make(map[string]*cacheRecord),
		states: make(map[string][]stateRecord),
	}
}

func (r *MockStorage) NewCacheStore(q database.Queryer, deviceID, user string) activesync.CacheStore {
	return &mockCacheStore{parent: r, key: deviceID + "\x00" + user}
}

func (r *MockStorage) NewStateStore(q database.Queryer, deviceID, user, folderID string) activesync.StateStore {
	return &mockStateStore{parent: r, key: deviceID + "\x00" + user + "\x00" + folderID}
}

type mockCacheStore struct {
	parent *MockStorage
	key    string
}

func (r *mockCacheStore) Load() (activesync.CacheData, uint64, error) {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	rec, ok := r.parent.caches[r.key]
	if !ok {
		return activesync.CacheData{}, 0, activesync.ErrCacheMiss
	}

	return rec.data, rec.version, nil
}

func (r *mockCacheStore) Save(data activesync.CacheData, version uint64) error {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	rec, ok := r.parent.caches[r.key]
	if !ok {
		if version != 0 {
			return activesync.ErrConcurrentModification
		}
		r.parent.caches[r.key] = &cacheRecord{data: data, version: 1}
		return nil
	}
	if rec.version != version {
		return activesync.ErrConcurrentModification
	}
	rec.data = data
	rec.version++

	return nil
}

func (r *mockCacheStore) Delete() error {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	delete(r.parent.caches, r.key)

	return nil
}

type mockStateStore struct {
	parent *MockStorage
	key    string
}

func (r *mockStateStore) Load(key activesync.SyncKey, lock database.LockMode) (activesync.StateData, error) {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	for _, rec := range r.parent.states[r.key] {
		if rec.key == key {
			return rec.data, nil
		}
	}

	return activesync.StateData{}, activesync.ErrInvalidSyncKey
}

func (r *mockStateStore) LastKey(lock database.LockMode) (activesync.SyncKey, bool, error) {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	records := r.parent.states[r.key]
	if len(records) == 0 {
		return activesync.SyncKey{}, false, nil
	}

	return records[len(records)-1].key, true, nil
}

func (r *mockStateStore) Save(prev, next activesync.SyncKey, data activesync.StateData) error {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	records := r.parent.states[r.key]
	if len(records) == 0 {
		if !prev.IsZero() {
			return activesync.ErrConcurrentModification
		}
	} else if records[len(records)-1].key != prev {
		return activesync.ErrConcurrentModification
	}
	r.parent.states[r.key] = append(records, stateRecord{key: next, data: data})

	return nil
}

func (r *mockStateStore) Prune(key activesync.SyncKey, keep int) error {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	records := r.parent.states[r.key]
	last := -1
	for i, rec := range records {
		if rec.key == key {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	floor := last - keep + 1
	if floor <= 0 {
		return nil
	}
	r.parent.states[r.key] = append([]stateRecord(nil), records[floor:]...)

	return nil
}

func (r *mockStateStore) Reset() error {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	delete(r.parent.states, r.key)

	return nil
}

// StateCount returns the number of retained state records for one
// collection. Test observability only.
func (r *MockStorage) StateCount(deviceID, user, folderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.states[deviceID+"\x00"+user+"\x00"+folderID])
}
