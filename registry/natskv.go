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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go/jetstream"
)

// natsKVRegistry registry on a NATS JetStream KeyValue bucket. Keys are
// "<tenant>.<connection>", so a tenant's records form one subject subtree.
// KV keys do not admit '+', so it is stored as '/', which registry keys never carry.
type natsKVRegistry struct {
	common.Component
	recordPreparer
	kv jetstream.KeyValue
}

// DefineNATSKVBucket create or update the KV bucket holding the records. The bucket
// TTL is the record retention.
func DefineNATSKVBucket(
	ctxt context.Context, js jetstream.JetStream, bucket string, replicas int, retention time.Duration,
) (jetstream.KeyValue, error) {
	logTags := log.Fields{"module": "registry", "component": "natskv", "instance": bucket}
	kv, err := js.CreateOrUpdateKeyValue(ctxt, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "tenantcast connection registry",
		TTL:         retention,
		History:     1,
		Replicas:    replicas,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define KV bucket")
		return nil, err
	}
	return kv, nil
}

// GetNATSKVRegistry define a new NATS KV backed registry
func GetNATSKVRegistry(kv jetstream.KeyValue, retention time.Duration) (Registry, error) {
	logTags := log.Fields{"module": "registry", "component": "natskv", "instance": kv.Bucket()}
	return &natsKVRegistry{
		Component:      common.Component{LogTags: logTags},
		recordPreparer: newRecordPreparer(retention),
		kv:             kv,
	}, nil
}

func natsKVKeySegment(segment string) string {
	return strings.ReplaceAll(segment, "+", "/")
}

func natsKVKey(tenantID, connectionID string) string {
	return fmt.Sprintf("%s.%s", natsKVKeySegment(tenantID), natsKVKeySegment(connectionID))
}

func (r *natsKVRegistry) Put(ctxt context.Context, record ConnectionRecord) error {
	logTags := r.GetLogTagsForContext(ctxt)
	stored, _, err := r.prepare(record)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected connection record")
		return err
	}
	serialized, err := json.Marshal(&stored)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize connection record")
		return err
	}
	key := natsKVKey(stored.TenantID, stored.ConnectionID)
	revision, err := r.kv.Put(ctxt, key, serialized)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to PUT %s", key)
		return unavailable("put", err)
	}
	log.WithFields(logTags).Debugf("PUT %s@%d", key, revision)
	return nil
}

func (r *natsKVRegistry) Get(
	ctxt context.Context, tenantID, connectionID string,
) (ConnectionRecord, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return ConnectionRecord{}, err
	}
	key := natsKVKey(tenantID, connectionID)
	entry, err := r.kv.Get(ctxt, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ConnectionRecord{}, common.ErrConnectionNotFound
		}
		log.WithError(err).WithFields(logTags).Errorf("Failed to GET %s", key)
		return ConnectionRecord{}, unavailable("get", err)
	}
	record, err := r.parse(entry, tenantID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Corrupt record at %s", key)
		return ConnectionRecord{}, unavailable("get", err)
	}
	if record.Expired(r.now()) {
		return ConnectionRecord{}, common.ErrConnectionNotFound
	}
	return record, nil
}

func (r *natsKVRegistry) parse(entry jetstream.KeyValueEntry, tenantID string) (ConnectionRecord, error) {
	var record ConnectionRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return ConnectionRecord{}, err
	}
	if record.TenantID != tenantID {
		return ConnectionRecord{}, fmt.Errorf(
			"record of tenant '%s' stored under key %s", record.TenantID, entry.Key(),
		)
	}
	return record, nil
}

func (r *natsKVRegistry) ListByTenant(
	ctxt context.Context, tenantID string,
) ([]ConnectionRecord, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateTenantID(tenantID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tenant ID")
		return nil, err
	}
	filter := fmt.Sprintf("%s.*", natsKVKeySegment(tenantID))
	watcher, err := r.kv.Watch(ctxt, filter, jetstream.IgnoreDeletes())
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to WATCH %s", filter)
		return nil, unavailable("list", err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Failed to stop WATCH %s", filter)
		}
	}()

	now := r.now()
	result := []ConnectionRecord{}
	for {
		select {
		case <-ctxt.Done():
			log.WithError(ctxt.Err()).WithFields(logTags).Errorf("WATCH %s interrupted", filter)
			return nil, unavailable("list", ctxt.Err())
		case entry, ok := <-watcher.Updates():
			if !ok {
				err := fmt.Errorf("watcher for %s closed early", filter)
				log.WithError(err).WithFields(logTags).Error("WATCH failed")
				return nil, unavailable("list", err)
			}
			// nil marks the end of the current values
			if entry == nil {
				sort.Slice(result, func(i, j int) bool {
					return result[i].ConnectionID < result[j].ConnectionID
				})
				return result, nil
			}
			record, err := r.parse(entry, tenantID)
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Skipping corrupt record at %s", entry.Key())
				continue
			}
			if record.Expired(now) {
				continue
			}
			result = append(result, record)
		}
	}
}

func (r *natsKVRegistry) Delete(ctxt context.Context, tenantID, connectionID string) error {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return err
	}
	key := natsKVKey(tenantID, connectionID)
	// Purge drops the revision history along with the value
	if err := r.kv.Purge(ctxt, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		log.WithError(err).WithFields(logTags).Errorf("Failed to DELETE %s", key)
		return unavailable("delete", err)
	}
	log.WithFields(logTags).Debugf("DELETE %s", key)
	return nil
}

// Close the NATS connection is owned by the caller
func (r *natsKVRegistry) Close() error {
	return nil
}
