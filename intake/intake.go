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

// Package intake accepts publish requests over NATS, for producers which publish
// without going through the REST API
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/dispatch"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// RequestIDHeader NATS message header carrying the request ID of a publish request
const RequestIDHeader = "Tenantcast-Request-ID"

// drainTimeout bound on waiting for the subscription drain on shutdown
const drainTimeout = time.Second * 5

// PublishReply the reply to a publish request carrying a reply subject
type PublishReply struct {
	// Success whether the publish was processed
	Success bool `json:"success"`
	// Summary delivery outcome when successful
	Summary *dispatch.DeliverySummary `json:"summary,omitempty"`
	// Error reason for failure
	Error string `json:"error,omitempty"`
}

// Subscriber consumes publish requests from a NATS queue group
type Subscriber interface {
	// Start begin consuming. The subscription is drained once the root context ends.
	Start(wg *sync.WaitGroup) error
}

// subscriberImpl implements Subscriber
type subscriberImpl struct {
	common.Component
	nc          *nats.Conn
	cfg         common.IntakeConfig
	dispatcher  dispatch.Dispatcher
	rootContext context.Context
	inFlight    *errgroup.Group
	lock        sync.Mutex
	started     bool
}

// GetSubscriber define a new intake Subscriber. At most maxInFlight requests are
// dispatched at the same time; beyond that the NATS delivery of the subscription blocks.
func GetSubscriber(
	rootCtxt context.Context,
	nc *nats.Conn,
	cfg common.IntakeConfig,
	dispatcher dispatch.Dispatcher,
	maxInFlight int,
) (Subscriber, error) {
	logTags := log.Fields{
		"module": "intake", "component": "subscriber", "instance": cfg.Subject,
	}
	if nc == nil || dispatcher == nil {
		err := fmt.Errorf("NATS connection and dispatcher are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define intake subscriber")
		return nil, err
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	inFlight := &errgroup.Group{}
	inFlight.SetLimit(maxInFlight)
	return &subscriberImpl{
		Component:   common.Component{LogTags: logTags},
		nc:          nc,
		cfg:         cfg,
		dispatcher:  dispatcher,
		rootContext: rootCtxt,
		inFlight:    inFlight,
	}, nil
}

// Start begin consuming. The subscription is drained once the root context ends.
func (s *subscriberImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("already subscribed to %s", s.cfg.Subject)
	}

	sub, err := s.nc.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, func(msg *nats.Msg) {
		s.inFlight.Go(func() error {
			s.process(msg)
			return nil
		})
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to subscribe to %s in group %s", s.cfg.Subject, s.cfg.QueueGroup,
		)
		return err
	}
	s.started = true
	log.WithFields(s.LogTags).Infof("Consuming %s in group %s", s.cfg.Subject, s.cfg.QueueGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-s.rootContext.Done()
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to drain %s", s.cfg.Subject)
		}
		// Callbacks may still queue work until the drain completes
		deadline := time.Now().Add(drainTimeout)
		for sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond * 20)
		}
		_ = s.inFlight.Wait()
		log.WithFields(s.LogTags).Infof("Stopped consuming %s", s.cfg.Subject)
	}()
	return nil
}

func (s *subscriberImpl) process(msg *nats.Msg) {
	var req dispatch.PublishRequest
	reply := PublishReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unparsable publish request: %s", msg.Data)
		reply.Error = err.Error()
	} else {
		requestID := msg.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctxt := common.WithRequestParam(s.rootContext, common.RequestParam{
			ID: requestID, Method: "NATS", URI: msg.Subject, TenantID: req.TenantID,
		})
		summary, err := s.dispatcher.Publish(ctxt, req)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Success = true
			reply.Summary = &summary
		}
	}
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(&reply)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize publish reply")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to reply to %s", msg.Reply)
	}
}

// ==============================================================================

// Producer publishes events through the NATS intake
type Producer interface {
	// Publish submit a publish request and wait for the delivery summary
	Publish(ctxt context.Context, req dispatch.PublishRequest) (dispatch.DeliverySummary, error)
}

// producerImpl implements Producer
type producerImpl struct {
	common.Component
	nc      *nats.Conn
	subject string
}

// GetProducer define a new Producer
func GetProducer(nc *nats.Conn, subject string) (Producer, error) {
	logTags := log.Fields{"module": "intake", "component": "producer", "instance": subject}
	if nc == nil || subject == "" {
		err := fmt.Errorf("NATS connection and subject are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define intake producer")
		return nil, err
	}
	return &producerImpl{Component: common.Component{LogTags: logTags}, nc: nc, subject: subject}, nil
}

// Publish submit a publish request and wait for the delivery summary. The context must
// carry a deadline or be cancellable.
func (p *producerImpl) Publish(
	ctxt context.Context, req dispatch.PublishRequest,
) (dispatch.DeliverySummary, error) {
	logTags := p.GetLogTagsForContext(ctxt)
	payload, err := json.Marshal(&req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize publish request")
		return dispatch.DeliverySummary{}, err
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok && param.ID != "" {
		msg.Header.Set(RequestIDHeader, param.ID)
	}
	resp, err := p.nc.RequestMsgWithContext(ctxt, msg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Publish request on %s failed", p.subject)
		return dispatch.DeliverySummary{}, err
	}
	var reply PublishReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unparsable reply: %s", resp.Data)
		return dispatch.DeliverySummary{}, err
	}
	if !reply.Success || reply.Summary == nil {
		err := fmt.Errorf("publish to %s refused: %s", req.TenantID, reply.Error)
		log.WithError(err).WithFields(logTags).Error("Publish failed")
		return dispatch.DeliverySummary{}, err
	}
	return *reply.Summary, nil
}
