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

package core

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/go-redis/redis/v8"
)

// GetRedisClient define a new Redis client from a connection URL, e.g.
// redis://host:6379/0. The server is pinged before returning.
func GetRedisClient(ctxt context.Context, url string, pingTimeout time.Duration) (*redis.Client, error) {
	logTags := log.Fields{"module": "core", "component": "redis"}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse Redis URL")
		return nil, err
	}
	logTags["instance"] = opts.Addr
	client := redis.NewClient(opts)

	pingCtxt, cancel := context.WithTimeout(ctxt, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis ping failed")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created Redis client")
	return client, nil
}
