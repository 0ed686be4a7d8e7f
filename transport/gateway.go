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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// maxPushBodyBytes largest message accepted by the connection push endpoint
const maxPushBodyBytes = 128 * 1024

// teardownTimeout bound on the registry cleanup after a socket closes
const teardownTimeout = time.Second * 10

// gatewaySession one socket owned by the gateway. ready is closed once the setup
// finished; conn is only set if the setup was accepted.
type gatewaySession struct {
	connectionID string
	tenantID     string
	conn         *websocket.Conn
	accepted     bool
	ready        chan struct{}
}

// Gateway WebSocket gateway owning the physical sockets of this instance. It notifies
// a SessionHandler on setup and teardown, and implements ConnectionPusher for its own
// sockets.
type Gateway struct {
	goutils.RestAPIHandler
	handler        SessionHandler
	originPatterns []string
	rootContext    context.Context
	lock           sync.RWMutex
	closing        bool
	sessions       map[string]*gatewaySession
	wg             sync.WaitGroup
}

// GetGateway define a new WebSocket gateway
func GetGateway(
	rootCtxt context.Context,
	handler SessionHandler,
	originPatterns []string,
	httpConfig *common.HTTPConfig,
) (*Gateway, error) {
	logTags := log.Fields{"module": "transport", "component": "websocket-gateway"}
	if handler == nil {
		err := fmt.Errorf("session handler is required")
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return nil, err
	}
	return &Gateway{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		handler:        handler,
		originPatterns: originPatterns,
		rootContext:    rootCtxt,
		sessions:       make(map[string]*gatewaySession),
	}, nil
}

// ReadCredential the credential is taken from the "token" query parameter, or else
// the Authorization header
func ReadCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}

// =======================================================================
// Connection setup

// Connect godoc
// @Summary Open a WebSocket connection
// @Description Authenticate the caller and upgrade to a WebSocket. Events of the
// caller's tenant are pushed over the socket until either side closes it.
// @tags Gateway
// @Param token query string false "Session credential, if not in the Authorization header"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws [get]
func (g *Gateway) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := g.GetLogTagsForContext(r.Context())
	connectionID := uuid.NewString()
	localLogTags["connection_id"] = connectionID

	// Pushes racing this setup wait on the pending session
	session := &gatewaySession{connectionID: connectionID, ready: make(chan struct{})}
	g.lock.Lock()
	if g.closing {
		g.lock.Unlock()
		log.WithFields(localLogTags).Info("Refusing connection, gateway closing")
		respCode := http.StatusServiceUnavailable
		if err := g.WriteRESTResponse(
			w, respCode, g.GetStdRESTErrorMsg(r.Context(), respCode, "Gateway closing", ""), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	g.sessions[connectionID] = session
	g.wg.Add(1)
	g.lock.Unlock()
	defer g.wg.Done()

	record, err := g.handler.OnSetup(r.Context(), ReadCredential(r), connectionID)
	if err != nil {
		g.dropSession(session)
		respCode := http.StatusServiceUnavailable
		msg := "Connection registry unavailable"
		if errors.Is(err, common.ErrAuthRejected) {
			respCode = http.StatusUnauthorized
			msg = "Credential rejected"
		}
		log.WithError(err).WithFields(localLogTags).Info(msg)
		if err := g.WriteRESTResponse(
			w, respCode, g.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	session.tenantID = record.TenantID
	localLogTags["tenant_id"] = record.TenantID

	// The server read / write timeouts must not apply to the socket
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		// Accept already answered the request
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		g.dropSession(session)
		g.teardown(session)
		return
	}
	g.lock.Lock()
	if g.closing {
		// Close already took its snapshot without this socket
		g.lock.Unlock()
		log.WithFields(localLogTags).Info("Gateway closing, releasing new connection")
		_ = conn.Close(websocket.StatusGoingAway, "server stopping")
		g.dropSession(session)
		g.teardown(session)
		return
	}
	session.conn = conn
	session.accepted = true
	close(session.ready)
	g.lock.Unlock()
	log.WithFields(localLogTags).Info("Connection open")

	g.readLoop(localLogTags, session)
}

// ConnectHandler Wrapper around Connect
func (g *Gateway) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.Connect(w, r)
	}
}

// readLoop consume the socket until it closes. Clients are not expected to send
// anything, so inbound messages are discarded.
func (g *Gateway) readLoop(logTags log.Fields, session *gatewaySession) {
	defer func() {
		g.dropSession(session)
		_ = session.conn.Close(websocket.StatusNormalClosure, "")
		g.teardown(session)
	}()
	for {
		msgType, msg, err := session.conn.Read(g.rootContext)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.WithFields(logTags).Info("Connection closed by peer")
			} else {
				log.WithError(err).WithFields(logTags).Info("Connection lost")
			}
			return
		}
		log.WithFields(logTags).Debugf("Discarding inbound %s message of %dB", msgType, len(msg))
	}
}

// dropSession forget a session. A pending session is resolved as refused.
func (g *Gateway) dropSession(session *gatewaySession) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if current, ok := g.sessions[session.connectionID]; ok && current == session {
		delete(g.sessions, session.connectionID)
	}
	select {
	case <-session.ready:
	default:
		close(session.ready)
	}
}

func (g *Gateway) teardown(session *gatewaySession) {
	ctxt, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	g.handler.OnTeardown(ctxt, session.connectionID, session.tenantID)
}

// =======================================================================
// Push

// Push write a message to one of this gateway's sockets
func (g *Gateway) Push(ctxt context.Context, connectionID string, message []byte) error {
	g.lock.RLock()
	session, ok := g.sessions[connectionID]
	g.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not open on this gateway", common.ErrConnectionGone, connectionID)
	}

	select {
	case <-session.ready:
	case <-ctxt.Done():
		return fmt.Errorf("setup of %s still pending: %w", connectionID, ctxt.Err())
	}
	if !session.accepted {
		return fmt.Errorf("%w: setup of %s was refused", common.ErrConnectionGone, connectionID)
	}

	if err := session.conn.Write(ctxt, websocket.MessageText, message); err != nil {
		if ctxt.Err() != nil {
			return fmt.Errorf("write to %s timed out: %w", connectionID, err)
		}
		log.WithError(err).WithFields(g.LogTags).Infof("Write to %s failed, closing socket", connectionID)
		g.dropSession(session)
		_ = session.conn.Close(websocket.StatusInternalError, "write failed")
		return fmt.Errorf("%w: %s", common.ErrConnectionGone, err.Error())
	}
	return nil
}

// PostToConnection godoc
// @Summary Push a message to a connection
// @Description Push the request body as a text message to one socket of this gateway.
// Mirrors the connection management API of managed WebSocket gateways.
// @tags Gateway
// @Accept plain
// @Produce json
// @Param connectionID path string true "Target connection"
// @Param message body string true "Message to push"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 410 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /@connections/{connectionID} [post]
func (g *Gateway) PostToConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := g.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	var respHeaders map[string]string
	defer func() {
		if err := g.WriteRESTResponse(w, respCode, respBody, respHeaders); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connectionID := mux.Vars(r)["connectionID"]
	if err := common.ValidateConnectionID(connectionID); err != nil {
		msg := "Invalid connection ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = g.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	localLogTags["connection_id"] = connectionID

	message, err := io.ReadAll(io.LimitReader(r.Body, maxPushBodyBytes+1))
	if err != nil || len(message) == 0 || len(message) > maxPushBodyBytes {
		msg := "Message missing or too large"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = g.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	if err := g.Push(r.Context(), connectionID, message); err != nil {
		if errors.Is(err, common.ErrConnectionGone) {
			msg := "Connection gone"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			// Error type header lets management API clients decode the failure
			respHeaders = map[string]string{"X-Amzn-ErrorType": "GoneException"}
			respCode = http.StatusGone
			respBody = g.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
			return
		}
		msg := "Push failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = g.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = g.GetStdRESTSuccessMsg(r.Context())
}

// PostToConnectionHandler Wrapper around PostToConnection
func (g *Gateway) PostToConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.PostToConnection(w, r)
	}
}

// ActiveSessions number of open sockets
func (g *Gateway) ActiveSessions() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	count := 0
	for _, session := range g.sessions {
		select {
		case <-session.ready:
			if session.accepted {
				count++
			}
		default:
		}
	}
	return count
}

// Close close every socket with "going away" and wait for their teardowns. New
// connections are refused from then on.
func (g *Gateway) Close() {
	g.lock.Lock()
	g.closing = true
	open := []*gatewaySession{}
	for _, session := range g.sessions {
		open = append(open, session)
	}
	g.lock.Unlock()
	for _, session := range open {
		select {
		case <-session.ready:
			if session.accepted {
				_ = session.conn.Close(websocket.StatusGoingAway, "server stopping")
			}
		default:
		}
	}
	g.wg.Wait()
	log.WithFields(g.LogTags).Info("Gateway closed")
}
