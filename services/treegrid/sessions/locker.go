// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker serializes operations per session key.
//
// Description:
//
//	Each key gets a one-slot semaphore that exists only while someone holds
//	or waits for it, so idle sessions cost nothing. Different keys never
//	contend.
//
// Thread Safety: Safe for concurrent use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock waits for exclusive use of key.
//
// Inputs:
//
//	ctx - Abandons the wait when done.
//	key - Session key.
//
// Outputs:
//
//	func() - Releases the key. Must be called exactly once.
//	error - ctx.Err() if the wait was abandoned.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	if err := kl.sem.Acquire(ctx, 1); err != nil {
		l.release(key, kl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.sem.Release(1)
			l.release(key, kl)
		})
	}, nil
}

func (l *Locker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// held returns the number of keys currently locked or awaited.
func (l *Locker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
