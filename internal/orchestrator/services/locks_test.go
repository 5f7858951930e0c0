// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	var wg sync.WaitGroup
	counters := map[string]*int{"a": new(int), "b": new(int)}
	for i := 0; i < 50; i++ {
		for key, c := range counters {
			wg.Add(1)
			go func(key string, c *int) {
				defer wg.Done()
				unlock := km.Lock(key)
				defer unlock()
				*c++
			}(key, c)
		}
	}
	wg.Wait()

	assert.Equal(t, 50, *counters["a"])
	assert.Equal(t, 50, *counters["b"])
	assert.Equal(t, 0, km.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")
	unlockB := km.Lock("b")
	assert.Equal(t, 2, km.size())
	unlockB()
	unlockA()
	assert.Equal(t, 0, km.size())
}
