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

// Package dispatch fans application events out to the live connections of a tenant.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/registry"
	"github.com/alwitt/tenantcast/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Dispatcher event dispatcher
type Dispatcher interface {
	// Publish push an event to every live connection of the tenant. Per connection
	// failures are counted in the summary; only invalid requests and registry
	// failures are returned as errors, in which case nothing was pushed.
	Publish(ctxt context.Context, req PublishRequest) (DeliverySummary, error)
}

type pushOutcome int

const (
	outcomeSkipped pushOutcome = iota
	outcomeDelivered
	outcomeStaleRemoved
	outcomeFailed
)

func (o pushOutcome) String() string {
	switch o {
	case outcomeDelivered:
		return "delivered"
	case outcomeStaleRemoved:
		return "stale_removed"
	case outcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	registry    registry.Registry
	pusher      transport.ConnectionPusher
	clock       common.TenantClock
	pushTimeout time.Duration
	maxParallel int
	validate    *validator.Validate
	metrics     *dispatchMetrics
}

// GetDispatcher define a new event dispatcher. metricsReg may be nil, in which case
// the metrics are not exported.
func GetDispatcher(
	connections registry.Registry,
	pusher transport.ConnectionPusher,
	clock common.TenantClock,
	cfg common.DispatchConfig,
	metricsReg prometheus.Registerer,
) (Dispatcher, error) {
	logTags := log.Fields{"module": "dispatch", "component": "dispatcher"}
	if connections == nil || pusher == nil {
		err := fmt.Errorf("registry and pusher are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return nil, err
	}
	if cfg.PushTimeout < 1 || cfg.MaxParallelPush < 1 {
		err := fmt.Errorf(
			"push timeout (%d ms) and parallelism (%d) must be positive",
			cfg.PushTimeout, cfg.MaxParallelPush,
		)
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return nil, err
	}
	return &dispatcherImpl{
		Component:   common.Component{LogTags: logTags},
		registry:    connections,
		pusher:      pusher,
		clock:       clock,
		pushTimeout: cfg.PushTimeoutDuration(),
		maxParallel: cfg.MaxParallelPush,
		validate:    common.NewValidator(),
		metrics:     defineDispatchMetrics(metricsReg),
	}, nil
}

func (d *dispatcherImpl) Publish(ctxt context.Context, req PublishRequest) (DeliverySummary, error) {
	logTags := d.GetLogTagsForContext(ctxt)
	logTags["tenant_id"] = req.TenantID
	logTags["event_type"] = req.EventType

	// Structural checks, nothing is pushed on failure
	if err := d.validate.Struct(&req); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish request")
		d.metrics.publishes.WithLabelValues("unknown", "invalid").Inc()
		return DeliverySummary{}, err
	}
	eventType, err := ParseEventType(req.EventType)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected publish request")
		d.metrics.publishes.WithLabelValues("unknown", "invalid").Inc()
		return DeliverySummary{}, err
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		err := fmt.Errorf("payload is not valid JSON")
		log.WithError(err).WithFields(logTags).Error("Rejected publish request")
		d.metrics.publishes.WithLabelValues(req.EventType, "invalid").Inc()
		return DeliverySummary{}, err
	}

	connections, err := d.registry.ListByTenant(ctxt, req.TenantID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to list tenant connections")
		d.metrics.publishes.WithLabelValues(req.EventType, "registry_unavailable").Inc()
		if !errors.Is(err, common.ErrRegistryUnavailable) {
			err = fmt.Errorf("%w: %s", common.ErrRegistryUnavailable, err.Error())
		}
		return DeliverySummary{}, err
	}

	// Every connection receives the identical serialized message
	message, err := json.Marshal(&WireMessage{
		EventType: eventType,
		TenantID:  req.TenantID,
		Data:      payload,
		EmittedAt: d.clock.Format(d.clock.Now()),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize wire message")
		d.metrics.publishes.WithLabelValues(req.EventType, "invalid").Inc()
		return DeliverySummary{}, err
	}

	outcomes := make([]pushOutcome, len(connections))
	fanOut := errgroup.Group{}
	fanOut.SetLimit(d.maxParallel)
	for idx, connection := range connections {
		if req.ExcludeConnectionID != "" && connection.ConnectionID == req.ExcludeConnectionID {
			outcomes[idx] = outcomeSkipped
			continue
		}
		idx, connection := idx, connection
		fanOut.Go(func() error {
			outcomes[idx] = d.deliver(ctxt, logTags, connection, message)
			return nil
		})
	}
	_ = fanOut.Wait()

	summary := DeliverySummary{}
	for _, outcome := range outcomes {
		switch outcome {
		case outcomeDelivered:
			summary.Delivered++
		case outcomeStaleRemoved:
			summary.StaleRemoved++
		case outcomeFailed:
			summary.Failed++
		}
		if outcome != outcomeSkipped {
			d.metrics.pushes.WithLabelValues(outcome.String()).Inc()
		}
	}
	d.metrics.publishes.WithLabelValues(req.EventType, "published").Inc()
	log.WithFields(logTags).Infof(
		"Published to %d connections: delivered %d, stale removed %d, failed %d",
		len(connections), summary.Delivered, summary.StaleRemoved, summary.Failed,
	)
	return summary, nil
}

// deliver push to one connection and act on the outcome
func (d *dispatcherImpl) deliver(
	ctxt context.Context, baseTags log.Fields, connection registry.ConnectionRecord, message []byte,
) pushOutcome {
	logTags := log.Fields{}
	for k, v := range baseTags {
		logTags[k] = v
	}
	logTags["connection_id"] = connection.ConnectionID

	start := time.Now()
	err := d.push(ctxt, connection.ConnectionID, message)
	d.metrics.pushLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		log.WithFields(logTags).Debug("Delivered")
		return outcomeDelivered
	}
	if !errors.Is(err, common.ErrConnectionGone) {
		log.WithError(err).WithFields(logTags).Warn("Push failed, connection retained")
		return outcomeFailed
	}

	// The peer went away without a teardown notification
	if err := d.registry.Delete(ctxt, connection.TenantID, connection.ConnectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to remove gone connection")
		return outcomeFailed
	}
	log.WithFields(logTags).Info("Removed gone connection")
	return outcomeStaleRemoved
}

// push call the pusher under the push deadline. Returns once the deadline passes even
// if the pusher does not honor its context.
func (d *dispatcherImpl) push(ctxt context.Context, connectionID string, message []byte) error {
	pushCtxt, cancel := context.WithTimeout(ctxt, d.pushTimeout)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- d.pusher.Push(pushCtxt, connectionID, message)
	}()
	select {
	case err := <-result:
		return err
	case <-pushCtxt.Done():
		return fmt.Errorf("push to %s abandoned: %w", connectionID, pushCtxt.Err())
	}
}
