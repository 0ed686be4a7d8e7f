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

// Package registry tracks the live connections of every tenant.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/go-playground/validator/v10"
)

// ConnectionStatus connection record status
type ConnectionStatus string

// ConnectionActive the only status a stored record carries. A connection which is
// still being set up is never stored.
const ConnectionActive ConnectionStatus = "ACTIVE"

// ConnectionRecord a live connection of a tenant
type ConnectionRecord struct {
	// TenantID the tenant (store) the connection belongs to
	TenantID string `json:"tenant_id" validate:"required,registry_key"`
	// ConnectionID the transport assigned connection ID
	ConnectionID string `json:"connection_id" validate:"required,registry_key"`
	// SubjectID the authenticated user
	SubjectID string `json:"subject_id" validate:"required"`
	// Role the authenticated user's role
	Role string `json:"role" validate:"required"`
	// EstablishedAt when the connection was accepted, in tenant local time
	EstablishedAt time.Time `json:"established_at"`
	// Status record status
	Status ConnectionStatus `json:"status" validate:"required,oneof=ACTIVE"`
	// ExpiresAt when the record passively expires
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired whether the record has passed its expiry
func (r ConnectionRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Registry the connection registry. Every record is addressed by the
// (tenant ID, connection ID) pair, and no operation reaches outside the
// tenant named in its arguments.
type Registry interface {
	// Put insert or overwrite a record. The record expires retention after
	// EstablishedAt.
	Put(ctxt context.Context, record ConnectionRecord) error

	// Get fetch one record. Returns common.ErrConnectionNotFound on miss.
	Get(ctxt context.Context, tenantID, connectionID string) (ConnectionRecord, error)

	// ListByTenant list all unexpired records of a tenant
	ListByTenant(ctxt context.Context, tenantID string) ([]ConnectionRecord, error)

	// Delete remove a record. Deleting an absent record is not an error.
	Delete(ctxt context.Context, tenantID, connectionID string) error

	// Close release the storage resources
	Close() error
}

// ExpiredRecordPurger a registry which can actively remove its expired entries
type ExpiredRecordPurger interface {
	// PurgeExpired remove expired entries, returning how many were removed
	PurgeExpired(ctxt context.Context) (int, error)
}

// recordPreparer shared record admission logic of all drivers
type recordPreparer struct {
	retention time.Duration
	validate  *validator.Validate
	now       func() time.Time
}

func newRecordPreparer(retention time.Duration) recordPreparer {
	return recordPreparer{
		retention: retention,
		validate:  common.NewValidator(),
		now:       time.Now,
	}
}

// prepare validate the record and compute its expiry. Returns the record to store
// and the time left before it expires.
func (p recordPreparer) prepare(record ConnectionRecord) (ConnectionRecord, time.Duration, error) {
	if record.Status == "" {
		record.Status = ConnectionActive
	}
	if err := p.validate.Struct(&record); err != nil {
		return ConnectionRecord{}, 0, err
	}
	now := p.now()
	if record.EstablishedAt.IsZero() {
		record.EstablishedAt = now
	}
	record.ExpiresAt = record.EstablishedAt.Add(p.retention)
	ttl := record.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return ConnectionRecord{}, 0, fmt.Errorf(
			"record %s/%s expired at %s", record.TenantID, record.ConnectionID, record.ExpiresAt,
		)
	}
	return record, ttl, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %s", common.ErrRegistryUnavailable, op, err.Error())
}
