// Copyright 2022 The tenantcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	callback := func(_ context.Context) error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback, true))

	// Case 1: one shot
	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	assert.Eventually(func() bool {
		return atomic.LoadInt32(&value) == 1
	}, time.Second, time.Millisecond*10)
	time.Sleep(time.Millisecond * 120)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	// Case 2: can start again once the one shot completed
	assert.Eventually(func() bool {
		return uut.Start(time.Millisecond*20, callback, true) == nil
	}, time.Second, time.Millisecond*10)
	assert.Eventually(func() bool {
		return atomic.LoadInt32(&value) == 2
	}, time.Second, time.Millisecond*10)
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	callback := func(_ context.Context) error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*10, callback, false))
	// Case 0: already running
	assert.NotNil(uut.Start(time.Millisecond*10, callback, false))

	assert.Eventually(func() bool {
		return atomic.LoadInt32(&value) >= 3
	}, time.Second, time.Millisecond*10)

	// Case 1: stopped timer no longer fires
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 30)
	stopped := atomic.LoadInt32(&value)
	time.Sleep(time.Millisecond * 50)
	assert.Equal(stopped, atomic.LoadInt32(&value))
}
