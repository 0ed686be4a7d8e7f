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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/dispatch"
	"github.com/alwitt/tenantcast/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// tablePusher delivers to every connection except the ones marked gone
type tablePusher struct {
	lock      sync.Mutex
	gone      map[string]bool
	delivered map[string][]byte
}

func (p *tablePusher) Push(_ context.Context, connectionID string, message []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.gone[connectionID] {
		return fmt.Errorf("%w: %s", common.ErrConnectionGone, connectionID)
	}
	p.delivered[connectionID] = message
	return nil
}

// downRegistry a registry whose store cannot be reached
type downRegistry struct {
	registry.Registry
}

func (r downRegistry) Get(_ context.Context, _, _ string) (registry.ConnectionRecord, error) {
	return registry.ConnectionRecord{}, fmt.Errorf("%w: i/o timeout", common.ErrRegistryUnavailable)
}

func (r downRegistry) ListByTenant(_ context.Context, _ string) ([]registry.ConnectionRecord, error) {
	return nil, fmt.Errorf("%w: i/o timeout", common.ErrRegistryUnavailable)
}

func defineTestHandler(
	t *testing.T, connections registry.Registry, pusher *tablePusher,
) APIRestTenantEventHandler {
	httpCfg := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Tenantcast-Request-ID"},
	}
	dispatcher, err := dispatch.GetDispatcher(
		connections, pusher, common.GetTenantClock(common.DefaultTenantTimezone),
		common.DispatchConfig{PushTimeout: 500, MaxParallelPush: 4, Timezone: common.DefaultTenantTimezone},
		nil,
	)
	assert.Nil(t, err)
	uut, err := GetAPIRestTenantEventHandler(
		&httpCfg, dispatcher, connections, RegistryReadinessCheck(connections),
	)
	assert.Nil(t, err)
	return uut
}

func TestPublishEventAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	connections, err := registry.GetMemoryRegistry(time.Hour * 24)
	assert.Nil(err)
	for _, record := range []registry.ConnectionRecord{
		{TenantID: "T001", ConnectionID: "c1", SubjectID: "U001", Role: "ADMIN"},
		{TenantID: "T001", ConnectionID: "c2", SubjectID: "U002", Role: "TRABAJADOR"},
		{TenantID: "T001", ConnectionID: "c-gone", SubjectID: "U003", Role: "TRABAJADOR"},
		{TenantID: "T002", ConnectionID: "c3", SubjectID: "U004", Role: "ADMIN"},
	} {
		assert.Nil(connections.Put(utCtxt, record))
	}
	pusher := &tablePusher{gone: map[string]bool{"c-gone": true}, delivered: map[string][]byte{}}
	uut := defineTestHandler(t, connections, pusher)

	publish := func(tenantID string, body []byte) *httptest.ResponseRecorder {
		req, err := http.NewRequest(
			"POST", fmt.Sprintf("/v1/tenant/%s/event", tenantID), bytes.NewReader(body),
		)
		assert.Nil(err)
		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/tenant/{tenantID}/event", uut.PublishEventHandler())
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: publish to a tenant with a stale connection
	{
		body, err := json.Marshal(&APIRestReqPublishEvent{
			EventType: "venta_registrada",
			Payload:   json.RawMessage(`{"venta_id":"V-1","total":25.5}`),
		})
		assert.Nil(err)
		respRecorder := publish("T001", body)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespPublishEvent
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(2, msg.Delivered)
		assert.Equal(1, msg.StaleRemoved)
		assert.Equal(0, msg.Failed)

		var wire dispatch.WireMessage
		assert.Nil(json.Unmarshal(pusher.delivered["c1"], &wire))
		assert.Equal(dispatch.EventSaleRecorded, wire.EventType)
		assert.Equal("T001", wire.TenantID)
		assert.JSONEq(`{"venta_id":"V-1","total":25.5}`, string(wire.Data))
		assert.NotContains(pusher.delivered, "c3")

		_, err = connections.Get(utCtxt, "T001", "c-gone")
		assert.ErrorIs(err, common.ErrConnectionNotFound)
	}

	// Case 1: excluded connection
	{
		delete(pusher.delivered, "c1")
		body := []byte(`{"event_type":"analitica_actualizada","exclude_connection_id":"c1"}`)
		respRecorder := publish("T001", body)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespPublishEvent
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(1, msg.Delivered)
		assert.NotContains(pusher.delivered, "c1")
	}

	// Case 2: unknown event type
	{
		respRecorder := publish("T001", []byte(`{"event_type":"nope"}`))
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 3: invalid tenant
	{
		respRecorder := publish("T:001", []byte(`{"event_type":"venta_registrada"}`))
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: body is not JSON
	{
		respRecorder := publish("T001", []byte(`event_type=venta_registrada`))
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 5: tenant without connections
	{
		respRecorder := publish("T404", []byte(`{"event_type":"prediccion_generada"}`))
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespPublishEvent
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(dispatch.DeliverySummary{}, msg.DeliverySummary)
	}
}

func TestPublishEventAPIRegistryDown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	pusher := &tablePusher{gone: map[string]bool{}, delivered: map[string][]byte{}}
	uut := defineTestHandler(t, downRegistry{}, pusher)

	// Case 0: publish
	{
		req, err := http.NewRequest(
			"POST", "/v1/tenant/T001/event", bytes.NewReader([]byte(`{"event_type":"venta_registrada"}`)),
		)
		assert.Nil(err)
		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/tenant/{tenantID}/event", uut.PublishEventHandler())
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusServiceUnavailable, respRecorder.Code)
		assert.Empty(pusher.delivered)
	}

	// Case 1: readiness
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusServiceUnavailable, respRecorder.Code)
	}

	// Case 2: connection lookup
	{
		req, err := http.NewRequest("GET", "/v1/tenant/T001/connection/c1", nil)
		assert.Nil(err)
		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/tenant/{tenantID}/connection/{connectionID}", uut.GetConnectionHandler())
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusServiceUnavailable, respRecorder.Code)
	}
}

func TestConnectionLookupAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	connections, err := registry.GetMemoryRegistry(time.Hour * 24)
	assert.Nil(err)
	assert.Nil(connections.Put(utCtxt, registry.ConnectionRecord{
		TenantID: "T001", ConnectionID: "c1", SubjectID: "U001", Role: "ADMIN",
	}))
	pusher := &tablePusher{gone: map[string]bool{}, delivered: map[string][]byte{}}
	uut := defineTestHandler(t, connections, pusher)

	lookup := func(tenantID, connectionID string) *httptest.ResponseRecorder {
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/tenant/%s/connection/%s", tenantID, connectionID), nil,
		)
		assert.Nil(err)
		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/tenant/{tenantID}/connection/{connectionID}", uut.GetConnectionHandler())
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: hit
	{
		respRecorder := lookup("T001", "c1")
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespConnection
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal("U001", msg.Connection.SubjectID)
		assert.Equal("ACTIVE", msg.Connection.Status)
	}

	// Case 1: another tenant's connection is not visible
	{
		respRecorder := lookup("T002", "c1")
		assert.Equal(http.StatusNotFound, respRecorder.Code)
	}

	// Case 2: liveness and readiness
	{
		req, err := http.NewRequest("GET", "/v1/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		req, err = http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder = httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}
