/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package whiteboard

import (
	"sort"
	"sync"
)

type shardLock struct {
	sync.RWMutex
	refs int
}

// shardLocks hands out one RWMutex per normalized context path. Entries are reference counted and dropped when no
// goroutine holds or waits for them.
type shardLocks struct {
	mu    sync.Mutex
	locks map[string]*shardLock
}

func newShardLocks() *shardLocks {
	return &shardLocks{
		locks: map[string]*shardLock{},
	}
}

func (shards *shardLocks) acquire(path string) *shardLock {
	shards.mu.Lock()
	defer shards.mu.Unlock()

	lock, ok := shards.locks[path]
	if !ok {
		lock = &shardLock{}
		shards.locks[path] = lock
	}
	lock.refs++
	return lock
}

func (shards *shardLocks) release(path string, lock *shardLock) {
	shards.mu.Lock()
	defer shards.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(shards.locks, path)
	}
}

// Lock write locks path and returns the matching unlock function.
func (shards *shardLocks) Lock(path string) func() {
	lock := shards.acquire(path)
	lock.Lock()
	return func() {
		lock.Unlock()
		shards.release(path, lock)
	}
}

// RLock read locks path and returns the matching unlock function.
func (shards *shardLocks) RLock(path string) func() {
	lock := shards.acquire(path)
	lock.RLock()
	return func() {
		lock.RUnlock()
		shards.release(path, lock)
	}
}

// LockAll write locks every distinct path in sorted order so concurrent multi-path operations cannot deadlock.
// Locks are released in reverse order.
func (shards *shardLocks) LockAll(paths []string) func() {
	return shards.lockAll(paths, shards.Lock)
}

// RLockAll read locks every distinct path in sorted order.
func (shards *shardLocks) RLockAll(paths []string) func() {
	return shards.lockAll(paths, shards.RLock)
}

func (shards *shardLocks) lockAll(paths []string, lock func(path string) func()) func() {
	distinct := map[string]struct{}{}
	var sorted []string
	for _, path := range paths {
		if _, ok := distinct[path]; !ok {
			distinct[path] = struct{}{}
			sorted = append(sorted, path)
		}
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, path := range sorted {
		unlocks = append(unlocks, lock(path))
	}

	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (shards *shardLocks) size() int {
	shards.mu.Lock()
	defer shards.mu.Unlock()
	return len(shards.locks)
}
