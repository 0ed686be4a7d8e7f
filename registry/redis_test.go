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

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/tenantcast/common"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

func defineTestRedisRegistry(t *testing.T) (*miniredis.Miniredis, *redisRegistry) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	uut, err := GetRedisRegistry(client, "ut", time.Hour*24)
	assert.Nil(t, err)
	impl, ok := uut.(*redisRegistry)
	assert.True(t, ok)
	return mr, impl
}

func TestRedisRegistry(t *testing.T) {
	_, uut := defineTestRedisRegistry(t)
	checkRegistryOperations(t, uut)
	assert.Nil(t, uut.Close())
}

func TestRedisRegistryKeyLayout(t *testing.T) {
	assert := assert.New(t)
	mr, uut := defineTestRedisRegistry(t)
	utCtxt := context.Background()

	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T001", ConnectionID: "c1", SubjectID: "u1", Role: "ADMIN",
	}))

	// Case 0: record key carries the retention as TTL
	assert.True(mr.Exists("ut:conn:T001:c1"))
	assert.InDelta(float64(time.Hour*24), float64(mr.TTL("ut:conn:T001:c1")), float64(time.Second*5))

	// Case 1: tenant index
	members, err := mr.Members("ut:idx:T001")
	assert.Nil(err)
	assert.Equal([]string{"c1"}, members)
	assert.Greater(mr.TTL("ut:idx:T001"), time.Duration(0))

	// Case 2: delete removes both
	assert.Nil(uut.Delete(utCtxt, "T001", "c1"))
	assert.False(mr.Exists("ut:conn:T001:c1"))
	assert.False(mr.Exists("ut:idx:T001"))
}

func TestRedisRegistryExpiry(t *testing.T) {
	assert := assert.New(t)
	mr, uut := defineTestRedisRegistry(t)
	utCtxt := context.Background()

	// "old" has one hour left, "new" keeps the tenant index alive
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T001", ConnectionID: "old", SubjectID: "u1", Role: "ADMIN",
		EstablishedAt: time.Now().Add(-time.Hour * 23),
	}))
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T001", ConnectionID: "new", SubjectID: "u2", Role: "ADMIN",
	}))
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T002", ConnectionID: "old", SubjectID: "u3", Role: "ADMIN",
		EstablishedAt: time.Now().Add(-time.Hour * 23),
	}))
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T002", ConnectionID: "new", SubjectID: "u4", Role: "ADMIN",
	}))

	mr.FastForward(time.Hour * 2)

	// Case 0: expired record is a miss
	{
		_, err := uut.Get(utCtxt, "T001", "old")
		assert.True(errors.Is(err, common.ErrConnectionNotFound))
	}

	// Case 1: listing skips and drops the leftover index member
	{
		records, err := uut.ListByTenant(utCtxt, "T001")
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("new", records[0].ConnectionID)
		members, err := mr.Members("ut:idx:T001")
		assert.Nil(err)
		assert.Equal([]string{"new"}, members)
	}

	// Case 2: purge clears the leftovers of the other tenant
	{
		removed, err := uut.PurgeExpired(utCtxt)
		assert.Nil(err)
		assert.Equal(1, removed)
		members, err := mr.Members("ut:idx:T002")
		assert.Nil(err)
		assert.Equal([]string{"new"}, members)
	}

	// Case 3: nothing left to purge
	{
		removed, err := uut.PurgeExpired(utCtxt)
		assert.Nil(err)
		assert.Equal(0, removed)
	}
}

func TestRedisRegistryCorruptRecord(t *testing.T) {
	assert := assert.New(t)
	mr, uut := defineTestRedisRegistry(t)
	utCtxt := context.Background()

	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T001", ConnectionID: "c1", SubjectID: "u1", Role: "ADMIN",
	}))
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T001", ConnectionID: "c2", SubjectID: "u2", Role: "ADMIN",
	}))
	// A record written under the wrong tenant's key
	assert.Nil(mr.Set("ut:conn:T001:c2", `{"tenant_id":"T999","connection_id":"c2"}`))

	// Case 0: point lookup refuses it
	{
		_, err := uut.Get(utCtxt, "T001", "c2")
		assert.True(errors.Is(err, common.ErrRegistryUnavailable))
	}

	// Case 1: listing skips it
	{
		records, err := uut.ListByTenant(utCtxt, "T001")
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("c1", records[0].ConnectionID)
	}
}

func TestRedisRegistryUnavailable(t *testing.T) {
	assert := assert.New(t)
	mr, uut := defineTestRedisRegistry(t)
	utCtxt := context.Background()
	mr.Close()

	err := uut.Put(utCtxt, ConnectionRecord{
		TenantID: "T001", ConnectionID: "c1", SubjectID: "u1", Role: "ADMIN",
	})
	assert.True(errors.Is(err, common.ErrRegistryUnavailable))

	_, err = uut.Get(utCtxt, "T001", "c1")
	assert.True(errors.Is(err, common.ErrRegistryUnavailable))

	_, err = uut.ListByTenant(utCtxt, "T001")
	assert.True(errors.Is(err, common.ErrRegistryUnavailable))

	err = uut.Delete(utCtxt, "T001", "c1")
	assert.True(errors.Is(err, common.ErrRegistryUnavailable))
}
