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

// Package lifecycle admits and retires connections in the registry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/tenantcast/auth"
	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/registry"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager connection lifecycle manager. A connection moves PENDING -> ACTIVE on a
// successful setup and ACTIVE -> CLOSED on teardown. Only ACTIVE connections are
// in the registry.
type Manager interface {
	// OnSetup authenticate a new connection and register it. Fails with
	// common.ErrAuthRejected or common.ErrRegistryUnavailable, in which case the
	// connection must be refused. A connection ID unusable as a registry key fails
	// with common.ErrInvalidRegistryKey before the credential is checked.
	OnSetup(ctxt context.Context, rawCredential, connectionID string) (registry.ConnectionRecord, error)

	// OnTeardown remove a closed connection from the registry. Always succeeds from
	// the transport's point of view; failures are only logged.
	OnTeardown(ctxt context.Context, connectionID, tenantID string)
}

type lifecycleMetrics struct {
	setups    *prometheus.CounterVec
	teardowns *prometheus.CounterVec
}

func defineLifecycleMetrics(reg prometheus.Registerer) *lifecycleMetrics {
	factory := promauto.With(reg)
	return &lifecycleMetrics{
		setups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcast",
			Name:      "connection_setup_total",
			Help:      "Connection setup attempts by outcome",
		}, []string{"result"}),
		teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcast",
			Name:      "connection_teardown_total",
			Help:      "Connection teardowns by outcome",
		}, []string{"result"}),
	}
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	credentials auth.CredentialValidator
	registry    registry.Registry
	clock       common.TenantClock
	metrics     *lifecycleMetrics
}

// GetManager define a new connection lifecycle manager. metricsReg may be nil, in
// which case the metrics are not exported.
func GetManager(
	credentials auth.CredentialValidator,
	connections registry.Registry,
	clock common.TenantClock,
	metricsReg prometheus.Registerer,
) (Manager, error) {
	logTags := log.Fields{"module": "lifecycle", "component": "manager"}
	if credentials == nil || connections == nil {
		err := fmt.Errorf("credential validator and registry are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define manager")
		return nil, err
	}
	return &managerImpl{
		Component:   common.Component{LogTags: logTags},
		credentials: credentials,
		registry:    connections,
		clock:       clock,
		metrics:     defineLifecycleMetrics(metricsReg),
	}, nil
}

func (m *managerImpl) OnSetup(
	ctxt context.Context, rawCredential, connectionID string,
) (registry.ConnectionRecord, error) {
	logTags := m.GetLogTagsForContext(ctxt)
	logTags["connection_id"] = connectionID
	if err := common.ValidateConnectionID(connectionID); err != nil {
		m.metrics.setups.WithLabelValues("invalid_connection_id").Inc()
		log.WithError(err).WithFields(logTags).Error("Transport assigned an invalid connection ID")
		return registry.ConnectionRecord{}, err
	}

	identity, err := m.credentials.Validate(ctxt, rawCredential)
	if err != nil {
		m.metrics.setups.WithLabelValues("auth_rejected").Inc()
		log.WithError(err).WithFields(logTags).Info("Connection refused")
		if !errors.Is(err, common.ErrAuthRejected) {
			err = fmt.Errorf("%w: %s", common.ErrAuthRejected, err.Error())
		}
		return registry.ConnectionRecord{}, err
	}
	logTags["tenant_id"] = identity.TenantID

	record := registry.ConnectionRecord{
		TenantID:      identity.TenantID,
		ConnectionID:  connectionID,
		SubjectID:     identity.SubjectID,
		Role:          identity.Role,
		EstablishedAt: m.clock.Now(),
		Status:        registry.ConnectionActive,
	}
	if err := m.registry.Put(ctxt, record); err != nil {
		m.metrics.setups.WithLabelValues("registry_unavailable").Inc()
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		if !errors.Is(err, common.ErrRegistryUnavailable) {
			err = fmt.Errorf("%w: %s", common.ErrRegistryUnavailable, err.Error())
		}
		return registry.ConnectionRecord{}, err
	}

	stored, err := m.registry.Get(ctxt, record.TenantID, record.ConnectionID)
	if err != nil {
		// The write succeeded, so report the record as written
		log.WithError(err).WithFields(logTags).Warn("Unable to read back registered connection")
		stored = record
	}
	m.metrics.setups.WithLabelValues("accepted").Inc()
	log.WithFields(logTags).Infof("Connection of '%s' (%s) active", identity.SubjectID, identity.Role)
	return stored, nil
}

func (m *managerImpl) OnTeardown(ctxt context.Context, connectionID, tenantID string) {
	logTags := m.GetLogTagsForContext(ctxt)
	logTags["connection_id"] = connectionID
	logTags["tenant_id"] = tenantID
	if err := m.registry.Delete(ctxt, tenantID, connectionID); err != nil {
		m.metrics.teardowns.WithLabelValues("failed").Inc()
		log.WithError(err).WithFields(logTags).Error("Unable to remove closed connection")
		return
	}
	m.metrics.teardowns.WithLabelValues("removed").Inc()
	log.WithFields(logTags).Info("Connection closed")
}
