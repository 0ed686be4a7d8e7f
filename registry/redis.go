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
	"github.com/go-redis/redis/v8"
)

// DefaultRedisKeyPrefix key prefix used when none is configured
const DefaultRedisKeyPrefix = "tenantcast"

// redisRegistry registry on Redis. Each record is a string key with a TTL, and each
// tenant has an index set of its connection IDs:
//
//	<prefix>:conn:<tenant>:<connection> => JSON record, EX retention
//	<prefix>:idx:<tenant>               => SET of connection IDs
type redisRegistry struct {
	common.Component
	recordPreparer
	client    *redis.Client
	keyPrefix string
}

// GetRedisRegistry define a new Redis backed registry
func GetRedisRegistry(
	client *redis.Client, keyPrefix string, retention time.Duration,
) (Registry, error) {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	logTags := log.Fields{"module": "registry", "component": "redis", "instance": keyPrefix}
	return &redisRegistry{
		Component:      common.Component{LogTags: logTags},
		recordPreparer: newRecordPreparer(retention),
		client:         client,
		keyPrefix:      keyPrefix,
	}, nil
}

func (r *redisRegistry) recordKey(tenantID, connectionID string) string {
	return fmt.Sprintf("%s:conn:%s:%s", r.keyPrefix, tenantID, connectionID)
}

func (r *redisRegistry) indexKey(tenantID string) string {
	return fmt.Sprintf("%s:idx:%s", r.keyPrefix, tenantID)
}

func (r *redisRegistry) Put(ctxt context.Context, record ConnectionRecord) error {
	logTags := r.GetLogTagsForContext(ctxt)
	stored, ttl, err := r.prepare(record)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected connection record")
		return err
	}
	serialized, err := json.Marshal(&stored)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize connection record")
		return err
	}
	recordKey := r.recordKey(stored.TenantID, stored.ConnectionID)
	indexKey := r.indexKey(stored.TenantID)
	_, err = r.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		pipe.Set(ctxt, recordKey, serialized, ttl)
		pipe.SAdd(ctxt, indexKey, stored.ConnectionID)
		// No member outlives the newest record
		pipe.Expire(ctxt, indexKey, r.retention)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to PUT %s", recordKey)
		return unavailable("put", err)
	}
	log.WithFields(logTags).Debugf("PUT %s", recordKey)
	return nil
}

func (r *redisRegistry) Get(
	ctxt context.Context, tenantID, connectionID string,
) (ConnectionRecord, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return ConnectionRecord{}, err
	}
	recordKey := r.recordKey(tenantID, connectionID)
	raw, err := r.client.Get(ctxt, recordKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ConnectionRecord{}, common.ErrConnectionNotFound
		}
		log.WithError(err).WithFields(logTags).Errorf("Failed to GET %s", recordKey)
		return ConnectionRecord{}, unavailable("get", err)
	}
	record, err := r.parse(raw, tenantID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Corrupt record at %s", recordKey)
		return ConnectionRecord{}, unavailable("get", err)
	}
	if record.Expired(r.now()) {
		return ConnectionRecord{}, common.ErrConnectionNotFound
	}
	return record, nil
}

func (r *redisRegistry) parse(raw []byte, tenantID string) (ConnectionRecord, error) {
	var record ConnectionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ConnectionRecord{}, err
	}
	if record.TenantID != tenantID {
		return ConnectionRecord{}, fmt.Errorf(
			"record of tenant '%s' stored under tenant '%s'", record.TenantID, tenantID,
		)
	}
	return record, nil
}

func (r *redisRegistry) ListByTenant(
	ctxt context.Context, tenantID string,
) ([]ConnectionRecord, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateTenantID(tenantID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tenant ID")
		return nil, err
	}
	indexKey := r.indexKey(tenantID)
	members, err := r.client.SMembers(ctxt, indexKey).Result()
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to SMEMBERS %s", indexKey)
		return nil, unavailable("list", err)
	}
	if len(members) == 0 {
		return []ConnectionRecord{}, nil
	}
	sort.Strings(members)
	keys := make([]string, len(members))
	for idx, connectionID := range members {
		keys[idx] = r.recordKey(tenantID, connectionID)
	}
	values, err := r.client.MGet(ctxt, keys...).Result()
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to MGET records of %s", tenantID)
		return nil, unavailable("list", err)
	}

	now := r.now()
	result := make([]ConnectionRecord, 0, len(values))
	stale := []interface{}{}
	for idx, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Record expired, index member is left over
			stale = append(stale, members[idx])
			continue
		}
		record, err := r.parse([]byte(raw), tenantID)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Skipping corrupt record at %s", keys[idx])
			continue
		}
		if record.Expired(now) {
			continue
		}
		result = append(result, record)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctxt, indexKey, stale...).Err(); err != nil {
			log.WithError(err).WithFields(logTags).Warnf(
				"Unable to drop %d stale members of %s", len(stale), indexKey,
			)
		}
	}
	return result, nil
}

func (r *redisRegistry) Delete(ctxt context.Context, tenantID, connectionID string) error {
	logTags := r.GetLogTagsForContext(ctxt)
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid registry key")
		return err
	}
	recordKey := r.recordKey(tenantID, connectionID)
	_, err := r.client.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		pipe.Del(ctxt, recordKey)
		pipe.SRem(ctxt, r.indexKey(tenantID), connectionID)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to DELETE %s", recordKey)
		return unavailable("delete", err)
	}
	log.WithFields(logTags).Debugf("DELETE %s", recordKey)
	return nil
}

// PurgeExpired drop index members whose record already expired. Redis expires the
// records themselves.
func (r *redisRegistry) PurgeExpired(ctxt context.Context) (int, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	indexPrefix := fmt.Sprintf("%s:idx:", r.keyPrefix)
	removed := 0
	iter := r.client.Scan(ctxt, 0, indexPrefix+"*", 100).Iterator()
	for iter.Next(ctxt) {
		indexKey := iter.Val()
		tenantID := strings.TrimPrefix(indexKey, indexPrefix)
		members, err := r.client.SMembers(ctxt, indexKey).Result()
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to SMEMBERS %s", indexKey)
			return removed, unavailable("purge", err)
		}
		for _, connectionID := range members {
			exists, err := r.client.Exists(ctxt, r.recordKey(tenantID, connectionID)).Result()
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to EXISTS %s/%s", tenantID, connectionID)
				return removed, unavailable("purge", err)
			}
			if exists > 0 {
				continue
			}
			if err := r.client.SRem(ctxt, indexKey, connectionID).Err(); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to SREM %s/%s", tenantID, connectionID)
				return removed, unavailable("purge", err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Index SCAN failed")
		return removed, unavailable("purge", err)
	}
	return removed, nil
}

func (r *redisRegistry) Close() error {
	return r.client.Close()
}
