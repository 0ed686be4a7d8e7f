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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// checkRegistryOperations exercise the behavior every driver must share
func checkRegistryOperations(t *testing.T, uut Registry) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	tenantA := fmt.Sprintf("tenant-a-%s", uuid.NewString())
	tenantB := fmt.Sprintf("tenant-b-%s", uuid.NewString())

	// Case 0: invalid keys are rejected without touching storage
	{
		err := uut.Put(utCtxt, ConnectionRecord{
			TenantID: "a.b", ConnectionID: "c", SubjectID: "u", Role: "ADMIN",
		})
		assert.NotNil(err)
		assert.False(errors.Is(err, common.ErrRegistryUnavailable))
		_, err = uut.Get(utCtxt, "", "c")
		assert.NotNil(err)
		assert.False(errors.Is(err, common.ErrConnectionNotFound))
		_, err = uut.ListByTenant(utCtxt, "tenant*")
		assert.NotNil(err)
		assert.NotNil(uut.Delete(utCtxt, tenantA, "conn:1"))
	}

	// Case 1: record missing required fields
	{
		err := uut.Put(utCtxt, ConnectionRecord{TenantID: tenantA, ConnectionID: "c1"})
		assert.NotNil(err)
	}

	// Case 2: nothing registered yet
	{
		records, err := uut.ListByTenant(utCtxt, tenantA)
		assert.Nil(err)
		assert.Empty(records)
		_, err = uut.Get(utCtxt, tenantA, "c1")
		assert.True(errors.Is(err, common.ErrConnectionNotFound))
	}

	// Case 3: read after write
	established := time.Now()
	{
		assert.Nil(uut.Put(utCtxt, ConnectionRecord{
			TenantID:      tenantA,
			ConnectionID:  "c1",
			SubjectID:     "user-1",
			Role:          "ADMIN",
			EstablishedAt: established,
		}))
		record, err := uut.Get(utCtxt, tenantA, "c1")
		assert.Nil(err)
		assert.Equal(tenantA, record.TenantID)
		assert.Equal("c1", record.ConnectionID)
		assert.Equal("user-1", record.SubjectID)
		assert.Equal("ADMIN", record.Role)
		assert.Equal(ConnectionActive, record.Status)
		assert.True(established.Equal(record.EstablishedAt))
		assert.True(established.Add(time.Hour * 24).Equal(record.ExpiresAt))
	}

	// Case 4: put is an overwrite
	{
		assert.Nil(uut.Put(utCtxt, ConnectionRecord{
			TenantID:      tenantA,
			ConnectionID:  "c1",
			SubjectID:     "user-1",
			Role:          "TRABAJADOR",
			EstablishedAt: established,
		}))
		record, err := uut.Get(utCtxt, tenantA, "c1")
		assert.Nil(err)
		assert.Equal("TRABAJADOR", record.Role)
		records, err := uut.ListByTenant(utCtxt, tenantA)
		assert.Nil(err)
		assert.Len(records, 1)
	}

	// Case 5: tenants are isolated
	{
		assert.Nil(uut.Put(utCtxt, ConnectionRecord{
			TenantID: tenantA, ConnectionID: "c2", SubjectID: "user-2", Role: "SAAI",
		}))
		assert.Nil(uut.Put(utCtxt, ConnectionRecord{
			TenantID: tenantB, ConnectionID: "c3", SubjectID: "user-3", Role: "ADMIN",
		}))
		records, err := uut.ListByTenant(utCtxt, tenantA)
		assert.Nil(err)
		assert.Len(records, 2)
		assert.Equal("c1", records[0].ConnectionID)
		assert.Equal("c2", records[1].ConnectionID)
		for _, record := range records {
			assert.Equal(tenantA, record.TenantID)
		}
		records, err = uut.ListByTenant(utCtxt, tenantB)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("c3", records[0].ConnectionID)
		_, err = uut.Get(utCtxt, tenantB, "c1")
		assert.True(errors.Is(err, common.ErrConnectionNotFound))
	}

	// Case 6: delete is idempotent
	{
		assert.Nil(uut.Delete(utCtxt, tenantA, "c1"))
		_, err := uut.Get(utCtxt, tenantA, "c1")
		assert.True(errors.Is(err, common.ErrConnectionNotFound))
		assert.Nil(uut.Delete(utCtxt, tenantA, "c1"))
		assert.Nil(uut.Delete(utCtxt, tenantA, "never-existed"))
		records, err := uut.ListByTenant(utCtxt, tenantA)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal("c2", records[0].ConnectionID)
	}

	// Case 7: a record established longer than the retention ago is refused
	{
		err := uut.Put(utCtxt, ConnectionRecord{
			TenantID:      tenantA,
			ConnectionID:  "c9",
			SubjectID:     "user-9",
			Role:          "ADMIN",
			EstablishedAt: time.Now().Add(-time.Hour * 25),
		})
		assert.NotNil(err)
		_, err = uut.Get(utCtxt, tenantA, "c9")
		assert.True(errors.Is(err, common.ErrConnectionNotFound))
	}

	// Case 8: every character the key check admits is storable
	{
		tenantC := fmt.Sprintf("T+_=-%s", uuid.NewString())
		connectionID := "Jq4+Hsc5_BIA-MCL7Q="
		assert.Nil(common.ValidateRegistryKey(tenantC, connectionID))
		assert.Nil(uut.Put(utCtxt, ConnectionRecord{
			TenantID: tenantC, ConnectionID: connectionID, SubjectID: "user-8", Role: "ADMIN",
		}))
		record, err := uut.Get(utCtxt, tenantC, connectionID)
		assert.Nil(err)
		assert.Equal(tenantC, record.TenantID)
		assert.Equal(connectionID, record.ConnectionID)
		records, err := uut.ListByTenant(utCtxt, tenantC)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal(connectionID, records[0].ConnectionID)
		assert.Nil(uut.Delete(utCtxt, tenantC, connectionID))
		records, err = uut.ListByTenant(utCtxt, tenantC)
		assert.Nil(err)
		assert.Empty(records)
	}

	// Case 9: a put racing a delete on the same key leaves it either whole or absent
	{
		tenantD := fmt.Sprintf("tenant-d-%s", uuid.NewString())
		for round := 0; round < 20; round++ {
			connectionID := fmt.Sprintf("race-%d", round)
			expected := ConnectionRecord{
				TenantID:      tenantD,
				ConnectionID:  connectionID,
				SubjectID:     "user-race",
				Role:          "TRABAJADOR",
				EstablishedAt: established,
			}
			if round%2 == 1 {
				// Also race against an existing record
				assert.Nil(uut.Put(utCtxt, expected))
			}
			start := make(chan struct{})
			wg := sync.WaitGroup{}
			putErr := make(chan error, 1)
			deleteErr := make(chan error, 1)
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				putErr <- uut.Put(utCtxt, expected)
			}()
			go func() {
				defer wg.Done()
				<-start
				deleteErr <- uut.Delete(utCtxt, tenantD, connectionID)
			}()
			close(start)
			wg.Wait()
			assert.Nil(<-putErr)
			assert.Nil(<-deleteErr)

			record, err := uut.Get(utCtxt, tenantD, connectionID)
			present := err == nil
			if err != nil {
				assert.True(errors.Is(err, common.ErrConnectionNotFound))
			} else {
				assert.Equal(expected.TenantID, record.TenantID)
				assert.Equal(expected.ConnectionID, record.ConnectionID)
				assert.Equal(expected.SubjectID, record.SubjectID)
				assert.Equal(expected.Role, record.Role)
				assert.Equal(ConnectionActive, record.Status)
				assert.True(established.Equal(record.EstablishedAt))
				assert.True(established.Add(time.Hour * 24).Equal(record.ExpiresAt))
			}

			// The listing agrees with the point lookup
			records, err := uut.ListByTenant(utCtxt, tenantD)
			assert.Nil(err)
			listed := false
			for _, one := range records {
				assert.Equal(tenantD, one.TenantID)
				if one.ConnectionID == connectionID {
					listed = true
				}
			}
			assert.Equal(present, listed)
			assert.Nil(uut.Delete(utCtxt, tenantD, connectionID))
		}
	}
}
