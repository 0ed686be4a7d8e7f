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

package core

import (
	"context"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSConnectParamsFromConfig define NATSConnectParams from the NATS config block, with
// callbacks which only log the connection state changes
func NATSConnectParamsFromConfig(cfg common.NATSConfig) NATSConnectParams {
	logTags := log.Fields{"module": "core", "component": "nats", "instance": cfg.ServerURI}
	return NATSConnectParams{
		ServerURI:           cfg.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(cfg.ConnectTimeout),
		MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error("NATS disconnected")
			} else {
				log.WithFields(logTags).Warn("NATS disconnected")
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warn("NATS reconnected")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection closed")
		},
	}
}

// NatsClient NATS client exposing the core connection and the JetStream API
type NatsClient struct {
	common.Component
	nc *nats.Conn
	js jetstream.JetStream
}

// Close flush and close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Conn fetch the core NATS connection
func (c NatsClient) Conn() *nats.Conn {
	return c.nc
}

// JetStream fetch the JetStream client
func (c NatsClient) JetStream() jetstream.JetStream {
	return c.js
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats",
		"instance":  param.ServerURI,
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}

	// Define the JetStream client
	js, err := jetstream.New(nc)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
		nc.Close()
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")

	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, nil
}
