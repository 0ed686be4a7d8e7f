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
	"time"

	"github.com/apex/log"
)

// LocalTimestampFormat ISO-8601 with microseconds and the UTC offset
const LocalTimestampFormat = "2006-01-02T15:04:05.000000-07:00"

// DefaultTenantTimezone the timezone all tenants operate in unless configured otherwise
const DefaultTenantTimezone = "America/Lima"

// TenantClock provides timestamps in tenant local time
type TenantClock struct {
	location *time.Location
	now      func() time.Time
}

// GetTenantClock define a TenantClock for a timezone. If the timezone database is not
// available, falls back to a fixed UTC-5 offset.
func GetTenantClock(timezone string) TenantClock {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		log.WithError(err).Warnf("Unable to load timezone '%s', using fixed UTC-5", timezone)
		location = time.FixedZone("UTC-5", -5*60*60)
	}
	return TenantClock{location: location, now: time.Now}
}

// WithSource return a copy of the clock which reads the current time from the source
func (c TenantClock) WithSource(now func() time.Time) TenantClock {
	c.now = now
	return c
}

// Now current time in tenant local time
func (c TenantClock) Now() time.Time {
	if c.location == nil {
		return c.source()()
	}
	return c.source()().In(c.location)
}

// Format format a timestamp in tenant local time
func (c TenantClock) Format(t time.Time) string {
	if c.location != nil {
		t = t.In(c.location)
	}
	return t.Format(LocalTimestampFormat)
}

func (c TenantClock) source() func() time.Time {
	if c.now == nil {
		return time.Now
	}
	return c.now
}
