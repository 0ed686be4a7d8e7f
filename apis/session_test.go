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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/tenantcast/auth"
	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/lifecycle"
	"github.com/alwitt/tenantcast/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestSessionAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	authCfg := common.AuthConfig{
		Secret:       "unit-test-secret-0123456789",
		Audience:     "SAAI-Frontend",
		AllowedRoles: []string{"TRABAJADOR", "ADMIN", "SAAI"},
	}
	validator, err := auth.GetJWTValidator(authCfg)
	assert.Nil(err)
	connections, err := registry.GetMemoryRegistry(time.Hour * 24)
	assert.Nil(err)
	manager, err := lifecycle.GetManager(
		validator, connections, common.GetTenantClock(common.DefaultTenantTimezone), nil,
	)
	assert.Nil(err)
	httpCfg := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Tenantcast-Request-ID"},
	}
	uut, err := GetAPIRestSessionHandler(&httpCfg, manager)
	assert.Nil(err)

	router := mux.NewRouter()
	router.HandleFunc("/v1/session/{connectionID}", uut.ConnectHandler()).Methods("POST")
	router.HandleFunc(
		"/v1/session/{connectionID}/tenant/{tenantID}", uut.DisconnectHandler(),
	).Methods("DELETE")

	token, err := auth.IssueCredential(
		authCfg, auth.Identity{SubjectID: "U001", TenantID: "T001", Role: "ADMIN"}, time.Hour,
	)
	assert.Nil(err)

	// Case 0: credential in the query
	{
		req, err := http.NewRequest("POST", fmt.Sprintf("/v1/session/gw-1?token=%s", token), nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSession
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal("T001", msg.Connection.TenantID)
		assert.Equal("gw-1", msg.Connection.ConnectionID)
		_, err = connections.Get(context.Background(), "T001", "gw-1")
		assert.Nil(err)
	}

	// Case 1: credential in the header
	{
		req, err := http.NewRequest("POST", "/v1/session/gw-2", nil)
		assert.Nil(err)
		req.Header.Set("Authorization", "Bearer "+token)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: bad credential
	{
		req, err := http.NewRequest("POST", "/v1/session/gw-3?token=garbage", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusUnauthorized, respRecorder.Code)
		_, err = connections.Get(context.Background(), "T001", "gw-3")
		assert.ErrorIs(err, common.ErrConnectionNotFound)
	}

	// Case 3: invalid connection ID
	{
		req, err := http.NewRequest("POST", fmt.Sprintf("/v1/session/gw:4?token=%s", token), nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: disconnect, twice
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest("DELETE", "/v1/session/gw-1/tenant/T001", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		_, err = connections.Get(context.Background(), "T001", "gw-1")
		assert.ErrorIs(err, common.ErrConnectionNotFound)
	}
}
