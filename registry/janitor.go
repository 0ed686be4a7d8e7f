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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
)

// ExpiryJanitor periodically purges expired entries of a registry. Storage level
// expiry remains the primary mechanism; the janitor only clears leftovers.
type ExpiryJanitor interface {
	// Start begin purging every interval
	Start(interval time.Duration) error
	// Stop stop purging
	Stop() error
}

type expiryJanitorImpl struct {
	common.Component
	purger ExpiredRecordPurger
	timer  common.IntervalTimer
}

// GetExpiryJanitor define a new janitor for a registry. Returns an error if the
// registry driver has no active purge support.
func GetExpiryJanitor(
	rootCtxt context.Context, wg *sync.WaitGroup, target Registry,
) (ExpiryJanitor, error) {
	logTags := log.Fields{"module": "registry", "component": "expiry-janitor"}
	purger, ok := target.(ExpiredRecordPurger)
	if !ok {
		err := fmt.Errorf("registry driver does not support purging expired records")
		log.WithError(err).WithFields(logTags).Error("Unable to define janitor")
		return nil, err
	}
	timer, err := common.GetIntervalTimerInstance(rootCtxt, wg, "registry-janitor")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define janitor timer")
		return nil, err
	}
	return &expiryJanitorImpl{
		Component: common.Component{LogTags: logTags},
		purger:    purger,
		timer:     timer,
	}, nil
}

func (j *expiryJanitorImpl) Start(interval time.Duration) error {
	return j.timer.Start(interval, j.purge, false)
}

func (j *expiryJanitorImpl) Stop() error {
	return j.timer.Stop()
}

func (j *expiryJanitorImpl) purge(ctxt context.Context) error {
	removed, err := j.purger.PurgeExpired(ctxt)
	if err != nil {
		log.WithError(err).WithFields(j.LogTags).Error("Purge failed")
		return err
	}
	if removed > 0 {
		log.WithFields(j.LogTags).Infof("Purged %d expired entries", removed)
	}
	return nil
}
