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
	"sort"
	"sync"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
)

// memoryRegistry in-process registry partitioned by tenant
type memoryRegistry struct {
	common.Component
	recordPreparer
	lock       sync.RWMutex
	partitions map[string]map[string]ConnectionRecord
}

// GetMemoryRegistry define a new in-process registry. Records are only visible to
// the process holding them.
func GetMemoryRegistry(retention time.Duration) (Registry, error) {
	logTags := log.Fields{"module": "registry", "component": "memory"}
	return &memoryRegistry{
		Component:      common.Component{LogTags: logTags},
		recordPreparer: newRecordPreparer(retention),
		partitions:     make(map[string]map[string]ConnectionRecord),
	}, nil
}

func (r *memoryRegistry) Put(ctxt context.Context, record ConnectionRecord) error {
	logTags := r.GetLogTagsForContext(ctxt)
	stored, _, err := r.prepare(record)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected connection record")
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	partition, ok := r.partitions[stored.TenantID]
	if !ok {
		partition = make(map[string]ConnectionRecord)
		r.partitions[stored.TenantID] = partition
	}
	partition[stored.ConnectionID] = stored
	log.WithFields(logTags).Debugf("PUT %s/%s", stored.TenantID, stored.ConnectionID)
	return nil
}

func (r *memoryRegistry) Get(
	ctxt context.Context, tenantID, connectionID string,
) (ConnectionRecord, error) {
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(r.GetLogTagsForContext(ctxt)).Error("Invalid registry key")
		return ConnectionRecord{}, err
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	record, ok := r.partitions[tenantID][connectionID]
	if !ok || record.Expired(r.now()) {
		return ConnectionRecord{}, common.ErrConnectionNotFound
	}
	return record, nil
}

func (r *memoryRegistry) ListByTenant(
	ctxt context.Context, tenantID string,
) ([]ConnectionRecord, error) {
	if err := common.ValidateTenantID(tenantID); err != nil {
		log.WithError(err).WithFields(r.GetLogTagsForContext(ctxt)).Error("Invalid tenant ID")
		return nil, err
	}
	now := r.now()
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]ConnectionRecord, 0, len(r.partitions[tenantID]))
	for _, record := range r.partitions[tenantID] {
		if record.Expired(now) {
			continue
		}
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectionID < result[j].ConnectionID
	})
	return result, nil
}

func (r *memoryRegistry) Delete(ctxt context.Context, tenantID, connectionID string) error {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if partition, ok := r.partitions[tenantID]; ok {
		delete(partition, connectionID)
		if len(partition) == 0 {
			delete(r.partitions, tenantID)
		}
	}
	log.WithFields(logTags).Debugf("DELETE %s/%s", tenantID, connectionID)
	return nil
}

// PurgeExpired remove expired records from every partition
func (r *memoryRegistry) PurgeExpired(ctxt context.Context) (int, error) {
	now := r.now()
	r.lock.Lock()
	defer r.lock.Unlock()
	removed := 0
	for tenantID, partition := range r.partitions {
		for connectionID, record := range partition {
			if record.Expired(now) {
				delete(partition, connectionID)
				removed++
			}
		}
		if len(partition) == 0 {
			delete(r.partitions, tenantID)
		}
	}
	return removed, nil
}

func (r *memoryRegistry) Close() error {
	return nil
}
