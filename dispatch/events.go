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

package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/alwitt/tenantcast/common"
)

// EventType application event type
type EventType string

// EventTypeSetVersion version of the recognized event type set. Adding a type is a
// deployment change and bumps this version.
const EventTypeSetVersion = "v1"

const (
	// EventSaleRecorded a sale was recorded
	EventSaleRecorded EventType = "venta_registrada"
	// EventAnalyticsUpdated the tenant analytics were recomputed
	EventAnalyticsUpdated EventType = "analitica_actualizada"
	// EventPredictionGenerated a new demand prediction is available
	EventPredictionGenerated EventType = "prediccion_generada"
)

// KnownEventTypes the recognized event types
var KnownEventTypes = []EventType{
	EventSaleRecorded, EventAnalyticsUpdated, EventPredictionGenerated,
}

// ParseEventType parse an event type. Fails with common.ErrUnknownEventType if the
// type is not recognized.
func ParseEventType(raw string) (EventType, error) {
	for _, known := range KnownEventTypes {
		if raw == string(known) {
			return known, nil
		}
	}
	return "", fmt.Errorf(
		"%w: '%s' (%s set: %v)", common.ErrUnknownEventType, raw, EventTypeSetVersion, KnownEventTypes,
	)
}

// WireMessage the message pushed to every connection
type WireMessage struct {
	EventType EventType       `json:"event_type"`
	TenantID  string          `json:"tenant_id"`
	Data      json.RawMessage `json:"data"`
	EmittedAt string          `json:"emitted_at"`
}

// PublishRequest an event to distribute to the connections of a tenant
type PublishRequest struct {
	// TenantID the target tenant
	TenantID string `json:"tenant_id" validate:"required,registry_key"`
	// EventType the event type
	EventType string `json:"event_type" validate:"required"`
	// Payload event type specific data, passed through untouched
	Payload json.RawMessage `json:"payload,omitempty"`
	// ExcludeConnectionID optional connection to skip, e.g. the one which produced
	// the event
	ExcludeConnectionID string `json:"exclude_connection_id,omitempty"`
}

// DeliverySummary the outcome of one publish
type DeliverySummary struct {
	// Delivered number of connections the message was pushed to
	Delivered int `json:"delivered"`
	// StaleRemoved number of gone connections removed from the registry
	StaleRemoved int `json:"stale_removed"`
	// Failed number of connections the push failed for
	Failed int `json:"failed"`
}
