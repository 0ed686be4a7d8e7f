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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/tenantcast/apis"
	"github.com/alwitt/tenantcast/auth"
	"github.com/alwitt/tenantcast/common"
	"github.com/alwitt/tenantcast/core"
	"github.com/alwitt/tenantcast/dispatch"
	"github.com/alwitt/tenantcast/intake"
	"github.com/alwitt/tenantcast/lifecycle"
	"github.com/alwitt/tenantcast/registry"
	"github.com/alwitt/tenantcast/transport"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// redisPingTimeout bound on the initial Redis reachability check
const redisPingTimeout = time.Second * 10

// shutdownTimeout bound on the HTTP server graceful shutdown
const shutdownTimeout = time.Second * 10

// defineRegistry build the connection registry driver selected by the config
func defineRegistry(
	ctxt context.Context,
	config common.RegistryConfig,
	natsClient func() (core.NatsClient, error),
) (registry.Registry, error) {
	retention := config.Retention()
	switch config.Driver {
	case "memory":
		return registry.GetMemoryRegistry(retention)

	case "redis":
		client, err := core.GetRedisClient(ctxt, config.Redis.URL, redisPingTimeout)
		if err != nil {
			return nil, err
		}
		return registry.GetRedisRegistry(client, config.Redis.KeyPrefix, retention)

	case "natskv":
		nc, err := natsClient()
		if err != nil {
			return nil, err
		}
		kv, err := registry.DefineNATSKVBucket(
			ctxt, nc.JetStream(), config.NATSKV.Bucket, config.NATSKV.Replicas, retention,
		)
		if err != nil {
			return nil, err
		}
		return registry.GetNATSKVRegistry(kv, retention)

	case "dynamodb":
		awsCfg, err := core.GetAWSConfig(ctxt, config.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		return registry.GetDynamoDBRegistry(
			registry.NewDynamoDBClient(awsCfg, config.DynamoDB.Endpoint), config.DynamoDB.Table, retention,
		)
	}
	return nil, fmt.Errorf("unsupported registry driver '%s'", config.Driver)
}

// RunServer run the tenantcast server until the runtime context ends
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Metrics

	var metricsReg *prometheus.Registry
	var metricsRegisterer prometheus.Registerer
	if config.MetricsEnabled {
		metricsReg = prometheus.NewRegistry()
		metricsReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metricsRegisterer = metricsReg
	}

	// -------------------------------------------------------------------
	// NATS, only connected if a component needs it

	var natsClient *core.NatsClient
	getNatsClient := func() (core.NatsClient, error) {
		if natsClient != nil {
			return *natsClient, nil
		}
		client, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return core.NatsClient{}, err
		}
		natsClient = &client
		return client, nil
	}
	defer func() {
		if natsClient != nil {
			ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			natsClient.Close(ctxt)
		}
	}()

	// -------------------------------------------------------------------
	// Connection registry

	connections, err := defineRegistry(runTimeContext, config.Registry, getNatsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define '%s' connection registry", config.Registry.Driver,
		)
		return err
	}
	defer func() {
		if err := connections.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close connection registry")
		}
	}()

	if _, ok := connections.(registry.ExpiredRecordPurger); ok && config.Registry.JanitorInterval > 0 {
		janitor, err := registry.GetExpiryJanitor(runTimeContext, wg, connections)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define expiry janitor")
			return err
		}
		if err := janitor.Start(time.Second * time.Duration(config.Registry.JanitorInterval)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start expiry janitor")
			return err
		}
		defer func() {
			_ = janitor.Stop()
		}()
	}

	// -------------------------------------------------------------------
	// Connection lifecycle

	credentials, err := auth.GetJWTValidator(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential validator")
		return err
	}
	clock := common.GetTenantClock(config.Dispatch.Timezone)
	manager, err := lifecycle.GetManager(credentials, connections, clock, metricsRegisterer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle manager")
		return err
	}

	// -------------------------------------------------------------------
	// Transport

	var gateway *transport.Gateway
	var pusher transport.ConnectionPusher
	switch config.Transport.Mode {
	case "local":
		gateway, err = transport.GetGateway(
			runTimeContext, manager, config.Transport.AllowedOrigins, &config.APIServer,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define WebSocket gateway")
			return err
		}
		pusher = gateway
	case "apigw":
		awsCfg, err := core.GetAWSConfig(runTimeContext, config.Transport.APIGateway.Region)
		if err != nil {
			return err
		}
		pusher, err = transport.GetAPIGatewayPusher(
			transport.NewConnectionManagementClient(awsCfg, config.Transport.APIGateway.Endpoint),
			config.Transport.APIGateway.Endpoint,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define API Gateway pusher")
			return err
		}
	default:
		return fmt.Errorf("unsupported transport mode '%s'", config.Transport.Mode)
	}

	// -------------------------------------------------------------------
	// Event dispatch

	dispatcher, err := dispatch.GetDispatcher(
		connections, pusher, clock, config.Dispatch, metricsRegisterer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
		return err
	}

	if config.Intake.Enabled {
		nc, err := getNatsClient()
		if err != nil {
			return err
		}
		subscriber, err := intake.GetSubscriber(
			runTimeContext, nc.Conn(), config.Intake, dispatcher, config.Dispatch.MaxParallelPush,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define publish intake")
			return err
		}
		if err := subscriber.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start publish intake")
			return err
		}
	}

	// -------------------------------------------------------------------
	// HTTP servers

	if err := checkListeners(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid HTTP listener config")
		return err
	}

	probeHandler, err := apis.GetAPIRestTenantEventHandler(
		&config.APIServer, dispatcher, connections, apis.RegistryReadinessCheck(connections),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define probe HTTP handler")
		return err
	}
	eventHandler, err := apis.GetAPIRestTenantEventHandler(
		&config.InternalServer, dispatcher, connections, apis.RegistryReadinessCheck(connections),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event HTTP handler")
		return err
	}
	sessionHandler, err := apis.GetAPIRestSessionHandler(&config.InternalServer, manager)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session HTTP handler")
		return err
	}

	publicSrv := defineHTTPServer(
		&config.APIServer, definePublicRouter(config.APIServer.PathPrefix, gateway, probeHandler),
	)
	internalSrv := defineHTTPServer(
		&config.InternalServer,
		defineInternalRouter(
			config.InternalServer.PathPrefix, gateway, eventHandler, sessionHandler, metricsReg,
		),
	)

	// Start the servers
	for name, srv := range map[string]*http.Server{"public": publicSrv, "internal": internalSrv} {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Errorf("%s HTTP Server Failure", name)
			}
		}(name, srv)
		log.WithFields(logTags).Infof("Started %s HTTP server on http://%s", name, srv.Addr)
	}

	log.WithFields(logTags).Infof(
		"Serving with registry %s, transport %s", config.Registry.Driver, config.Transport.Mode,
	)

	// ============================================================================

	<-runTimeContext.Done()

	// Close the sockets first so their teardowns reach the registry
	if gateway != nil {
		gateway.Close()
	}

	// Stop the HTTP servers
	{
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := publicSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during public HTTP shutdown")
		}
		if err := internalSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during internal HTTP shutdown")
		}
	}

	return nil
}

// checkListeners the public and internal servers must not share a listener
func checkListeners(config *common.SystemConfig) error {
	if config.APIServer.Server.Port == config.InternalServer.Server.Port {
		return fmt.Errorf(
			"public and internal HTTP servers both listen on port %d", config.APIServer.Server.Port,
		)
	}
	return nil
}

// definePublicRouter routes reachable by socket clients: the WebSocket upgrade and
// the probes. Nothing here can publish or touch the registry.
func definePublicRouter(
	pathPrefix string, gateway *transport.Gateway, probeHandler apis.APIRestTenantEventHandler,
) *mux.Router {
	router := mux.NewRouter()
	// The socket upgrade bypasses the REST middleware
	if gateway != nil {
		_ = apis.RegisterPathPrefix(router, "/v1/ws", map[string]http.HandlerFunc{
			"get": gateway.ConnectHandler(),
		})
	}
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)
	registerProbes(mainRouter, probeHandler)
	mainRouter.Use(func(next http.Handler) http.Handler {
		return probeHandler.LoggingMiddleware(next.ServeHTTP)
	})
	return router
}

// defineInternalRouter routes for producers and the gateway integration
func defineInternalRouter(
	pathPrefix string,
	gateway *transport.Gateway,
	eventHandler apis.APIRestTenantEventHandler,
	sessionHandler apis.APIRestSessionHandler,
	metricsReg *prometheus.Registry,
) *mux.Router {
	router := mux.NewRouter()
	if metricsReg != nil {
		router.Handle(
			"/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{Registry: metricsReg}),
		).Methods("GET")
	}
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	if gateway != nil {
		_ = apis.RegisterPathPrefix(
			mainRouter, "/@connections/{connectionID}", map[string]http.HandlerFunc{
				"post": gateway.PostToConnectionHandler(),
			},
		)
	}

	// Events
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/tenant/{tenantID}/event", map[string]http.HandlerFunc{
			"post": eventHandler.PublishEventHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/tenant/{tenantID}/connection/{connectionID}", map[string]http.HandlerFunc{
			"get": eventHandler.GetConnectionHandler(),
		},
	)

	// Managed gateway session integration
	sessionRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/session/{connectionID}", map[string]http.HandlerFunc{
			"post": sessionHandler.ConnectHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		sessionRouter, "/tenant/{tenantID}", map[string]http.HandlerFunc{
			"delete": sessionHandler.DisconnectHandler(),
		},
	)

	registerProbes(mainRouter, eventHandler)

	// Add logging
	mainRouter.Use(func(next http.Handler) http.Handler {
		return eventHandler.LoggingMiddleware(next.ServeHTTP)
	})
	return router
}

func registerProbes(router *mux.Router, handler apis.APIRestTenantEventHandler) {
	_ = apis.RegisterPathPrefix(router, "/v1/alive", map[string]http.HandlerFunc{
		"get": handler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/v1/ready", map[string]http.HandlerFunc{
		"get": handler.ReadyHandler(),
	})
}

func defineHTTPServer(httpConfig *common.HTTPConfig, router *mux.Router) *http.Server {
	listen := fmt.Sprintf("%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port)
	return &http.Server{
		Addr:         listen,
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}
