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
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/transport"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestSessionHandler REST handler for the connect and disconnect integrations of a
// managed WebSocket gateway. The gateway owns the sockets and reports their setup and
// teardown here.
type APIRestSessionHandler struct {
	goutils.RestAPIHandler
	sessions transport.SessionHandler
}

// GetAPIRestSessionHandler define APIRestSessionHandler
func GetAPIRestSessionHandler(
	httpConfig *common.HTTPConfig, sessions transport.SessionHandler,
) (APIRestSessionHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "session",
	}
	return APIRestSessionHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		sessions:       sessions,
	}, nil
}

// APIRestRespSession response to an accepted connection setup
type APIRestRespSession struct {
	goutils.RestAPIBaseResponse
	// Connection the registry record
	Connection APIRestConnectionInfo `json:"connection"`
}

// Connect godoc
// @Summary Register a connection
// @Description Validate the credential of a new gateway connection and register it
// @tags Session
// @Produce json
// @Param Tenantcast-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Gateway assigned connection ID"
// @Param token query string false "Session credential, if not in the Authorization header"
// @Success 200 {object} APIRestRespSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,401,503 {string} Tenantcast-Request-ID "Request ID to match against logs"
// @Router /v1/session/{connectionID} [post]
func (h APIRestSessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connectionID := mux.Vars(r)["connectionID"]
	if err := common.ValidateConnectionID(connectionID); err != nil {
		msg := "Invalid connection ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	record, err := h.sessions.OnSetup(r.Context(), transport.ReadCredential(r), connectionID)
	if err != nil {
		respCode = http.StatusServiceUnavailable
		msg := "Connection registry unavailable"
		if errors.Is(err, common.ErrAuthRejected) {
			respCode = http.StatusUnauthorized
			msg = "Credential rejected"
		} else if errors.Is(err, common.ErrInvalidRegistryKey) {
			respCode = http.StatusBadRequest
			msg = "Invalid connection ID"
		}
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSession{
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

// ConnectHandler Wrapper around Connect
func (h APIRestSessionHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// Disconnect godoc
// @Summary Retire a connection
// @Description Remove a closed gateway connection from the registry. Always succeeds
// so the gateway does not retry.
// @tags Session
// @Produce json
// @Param Tenantcast-Request-ID header string false "User provided request ID to match against logs"
// @Param tenantID path string true "Tenant of the connection"
// @Param connectionID path string true "Gateway assigned connection ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Header 200 {string} Tenantcast-Request-ID "Request ID to match against logs"
// @Router /v1/session/{connectionID}/tenant/{tenantID} [delete]
func (h APIRestSessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	vars := mux.Vars(r)
	h.sessions.OnTeardown(r.Context(), vars["connectionID"], vars["tenantID"])
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// DisconnectHandler Wrapper around Disconnect
func (h APIRestSessionHandler) DisconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Disconnect(w, r)
	}
}
