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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/dispatch"
	"github.com/alwitt/tenantcast/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the dependencies of the service are reachable
type ReadinessCheck func(ctxt context.Context) error

// APIRestTenantEventHandler REST handler for publishing tenant events
type APIRestTenantEventHandler struct {
	goutils.RestAPIHandler
	dispatcher  dispatch.Dispatcher
	connections registry.Registry
	ready       ReadinessCheck
}

// GetAPIRestTenantEventHandler define APIRestTenantEventHandler
func GetAPIRestTenantEventHandler(
	httpConfig *common.HTTPConfig,
	dispatcher dispatch.Dispatcher,
	connections registry.Registry,
	ready ReadinessCheck,
) (APIRestTenantEventHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "tenant-event",
	}
	if dispatcher == nil || connections == nil {
		err := fmt.Errorf("dispatcher and registry are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define handler")
		return APIRestTenantEventHandler{}, err
	}
	return APIRestTenantEventHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		dispatcher:     dispatcher,
		connections:    connections,
		ready:          ready,
	}, nil
}

// =======================================================================
// Event publish

// APIRestReqPublishEvent request to publish an event to a tenant
type APIRestReqPublishEvent struct {
	// EventType the event type
	EventType string `json:"event_type" validate:"required"`
	// Payload event data, forwarded untouched
	Payload json.RawMessage `json:"payload,omitempty" swaggertype:"object"`
	// ExcludeConnectionID connection to skip
	ExcludeConnectionID string `json:"exclude_connection_id,omitempty"`
}

// APIRestRespPublishEvent response to an event publish
type APIRestRespPublishEvent struct {
	goutils.RestAPIBaseResponse
	dispatch.DeliverySummary
}

// PublishEvent godoc
// @Summary Publish an event to a tenant
// @Description Push an event to every live connection of a tenant
// @tags Events
// @Accept json
// @Produce json
// @Param Tenantcast-Request-ID header string false "User provided request ID to match against logs"
// @Param tenantID path string true "Target tenant"
// @Param event body APIRestReqPublishEvent true "Event to publish"
// @Success 200 {object} APIRestRespPublishEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500,503 {string} Tenantcast-Request-ID "Request ID to match against logs"
// @Router /v1/tenant/{tenantID}/event [post]
func (h APIRestTenantEventHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	tenantID := mux.Vars(r)["tenantID"]
	if err := common.ValidateTenantID(tenantID); err != nil {
		msg := "Invalid tenant ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var params APIRestReqPublishEvent
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	summary, err := h.dispatcher.Publish(r.Context(), dispatch.PublishRequest{
		TenantID:            tenantID,
		EventType:           params.EventType,
		Payload:             params.Payload,
		ExcludeConnectionID: params.ExcludeConnectionID,
	})
	if err != nil {
		respCode = http.StatusBadRequest
		msg := fmt.Sprintf("Unable to publish event to %s", tenantID)
		if errors.Is(err, common.ErrRegistryUnavailable) {
			respCode = http.StatusServiceUnavailable
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPublishEvent{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		DeliverySummary: summary,
	}
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestTenantEventHandler) PublishEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	}
}

// =======================================================================
// Connection lookup

// APIRestRespConnection response for one connection lookup
type APIRestRespConnection struct {
	goutils.RestAPIBaseResponse
	// Connection the registry record
	Connection APIRestConnectionInfo `json:"connection"`
}

// APIRestConnectionInfo registry record of a connection
type APIRestConnectionInfo struct {
	TenantID      string `json:"tenant_id"`
	ConnectionID  string `json:"connection_id"`
	SubjectID     string `json:"subject_id"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	EstablishedAt string `json:"established_at"`
	ExpiresAt     string `json:"expires_at"`
}

// GetConnection godoc
// @Summary Query one connection
// @Description Fetch the registry record of a live connection of a tenant
// @tags Events
// @Produce json
// @Param Tenantcast-Request-ID header string false "User provided request ID to match against logs"
// @Param tenantID path string true "Tenant"
// @Param connectionID path string true "Connection"
// @Success 200 {object} APIRestRespConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,503 {string} Tenantcast-Request-ID "Request ID to match against logs"
// @Router /v1/tenant/{tenantID}/connection/{connectionID} [get]
func (h APIRestTenantEventHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	tenantID := vars["tenantID"]
	connectionID := vars["connectionID"]
	if err := common.ValidateRegistryKey(tenantID, connectionID); err != nil {
		msg := "Invalid connection key"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	record, err := h.connections.Get(r.Context(), tenantID, connectionID)
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch connection %s of %s", connectionID, tenantID)
		respCode = http.StatusServiceUnavailable
		if errors.Is(err, common.ErrConnectionNotFound) {
			respCode = http.StatusNotFound
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnection{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Connection: APIRestConnectionInfo{
			TenantID:      record.TenantID,
			ConnectionID:  record.ConnectionID,
			SubjectID:     record.SubjectID,
			Role:          record.Role,
			Status:        string(record.Status),
			EstablishedAt: record.EstablishedAt.Format(common.LocalTimestampFormat),
			ExpiresAt:     record.ExpiresAt.Format(common.LocalTimestampFormat),
		},
	}
}

// GetConnectionHandler Wrapper around GetConnection
func (h APIRestTenantEventHandler) GetConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestTenantEventHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestTenantEventHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the connection registry is reachable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestTenantEventHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Readiness check failed")
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestTenantEventHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// RegistryReadinessCheck readiness probe which performs a point lookup against the
// registry. A miss means the store answered.
func RegistryReadinessCheck(connections registry.Registry) ReadinessCheck {
	return func(ctxt context.Context) error {
		_, err := connections.Get(ctxt, "readiness-probe", "probe")
		if err == nil || errors.Is(err, common.ErrConnectionNotFound) {
			return nil
		}
		return err
	}
}
