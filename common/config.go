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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Connection Registry Related Config

// RedisRegistryConfig defines the Redis registry driver parameters
type RedisRegistryConfig struct {
	// URL is the Redis connection URL, e.g. redis://host:6379/0
	URL string `mapstructure:"url" json:"url" validate:"required,uri"`
	// KeyPrefix is prepended to every registry key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"omitempty,alphanum"`
}

// NATSKVRegistryConfig defines the NATS JetStream KV registry driver parameters
type NATSKVRegistryConfig struct {
	// Bucket is the name of the KV bucket holding the connection records
	Bucket string `mapstructure:"bucket" json:"bucket" validate:"required"`
	// Replicas is the number of bucket replicas
	Replicas int `mapstructure:"replicas" json:"replicas" validate:"gte=0"`
}

// DynamoDBRegistryConfig defines the DynamoDB registry driver parameters
type DynamoDBRegistryConfig struct {
	// Table is the table name. Partition key "tenant_id", sort key "entity_id"
	Table string `mapstructure:"table" json:"table" validate:"required"`
	// Region is the AWS region
	Region string `mapstructure:"region" json:"region" validate:"required"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB local
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty" validate:"omitempty,url"`
}

// RegistryConfig defines the connection registry parameters
type RegistryConfig struct {
	// Driver selects the storage backend
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=memory redis natskv dynamodb"`
	// RetentionHrs is how long a connection record lives before passive expiry
	RetentionHrs int `mapstructure:"retention_hrs" json:"retention_hrs" validate:"gte=1"`
	// JanitorInterval is the expired record purge interval in seconds. 0 disables it.
	JanitorInterval int `mapstructure:"janitor_interval_sec" json:"janitor_interval_sec" validate:"gte=0"`
	// Redis driver parameters
	Redis *RedisRegistryConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Driver redis"`
	// NATSKV driver parameters
	NATSKV *NATSKVRegistryConfig `mapstructure:"natskv,omitempty" json:"natskv,omitempty" validate:"required_if=Driver natskv"`
	// DynamoDB driver parameters
	DynamoDB *DynamoDBRegistryConfig `mapstructure:"dynamodb,omitempty" json:"dynamodb,omitempty" validate:"required_if=Driver dynamodb"`
}

// Retention helper function to convert the retention into time.Duration
func (c RegistryConfig) Retention() time.Duration {
	return time.Hour * time.Duration(c.RetentionHrs)
}

// ===============================================================================
// Credential Related Config

// AuthConfig defines the bearer credential validation parameters
type AuthConfig struct {
	// Secret is the HMAC secret the credentials are signed with
	Secret string `mapstructure:"secret" json:"-" validate:"required,min=16"`
	// Audience is the expected "aud" claim
	Audience string `mapstructure:"audience" json:"audience" validate:"required"`
	// Issuer is the expected "iss" claim. Not checked if empty.
	Issuer string `mapstructure:"issuer" json:"issuer,omitempty"`
	// AllowedRoles is the set of roles permitted to open a connection
	AllowedRoles []string `mapstructure:"allowed_roles" json:"allowed_roles" validate:"required,min=1,dive,required"`
}

// ===============================================================================
// Event Dispatch Related Config

// DispatchConfig defines the event fan-out parameters
type DispatchConfig struct {
	// PushTimeout is the max duration of a single connection push in milliseconds
	PushTimeout int `mapstructure:"push_timeout_ms" json:"push_timeout_ms" validate:"gte=1"`
	// MaxParallelPush is the max number of concurrent pushes within one publish
	MaxParallelPush int `mapstructure:"max_parallel_push" json:"max_parallel_push" validate:"gte=1"`
	// Timezone is the tenant local timezone used for timestamps
	Timezone string `mapstructure:"timezone" json:"timezone" validate:"required"`
}

// PushTimeoutDuration helper function to convert the push timeout into time.Duration
func (c DispatchConfig) PushTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.PushTimeout)
}

// ===============================================================================
// Transport Related Config

// APIGatewayConfig defines the parameters of a managed WebSocket gateway
type APIGatewayConfig struct {
	// Endpoint is the connection management endpoint
	Endpoint string `mapstructure:"endpoint" json:"endpoint" validate:"required,url"`
	// Region is the AWS region
	Region string `mapstructure:"region" json:"region" validate:"required"`
}

// TransportConfig defines how events are pushed to connections
type TransportConfig struct {
	// Mode is "local" to push through this instance's own WebSocket gateway, or "apigw"
	// to push through a managed gateway
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=local apigw"`
	// AllowedOrigins host patterns of the browser origins allowed to open a connection
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// APIGateway defines the managed gateway parameters
	APIGateway *APIGatewayConfig `mapstructure:"apigw,omitempty" json:"apigw,omitempty" validate:"required_if=Mode apigw"`
}

// ===============================================================================
// Publish Intake Related Config

// IntakeConfig defines the NATS publish request intake
type IntakeConfig struct {
	// Enabled whether to accept publish requests over NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Subject is the NATS subject publish requests arrive on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// QueueGroup is the NATS queue group shared by all dispatcher instances
	QueueGroup string `mapstructure:"queue_group" json:"queue_group" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete tenantcast config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Registry are the connection registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required"`
	// Auth are the credential validation parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// Dispatch are the event fan-out parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required"`
	// Transport are the connection push parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required"`
	// Intake are the NATS publish intake parameters
	Intake IntakeConfig `mapstructure:"intake" json:"intake" validate:"required"`
	// APIServer are the public HTTP server parameters. It only serves the WebSocket
	// upgrade and the probes.
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// InternalServer are the HTTP server parameters of the producer and gateway
	// integration APIs. Keep it off the public network.
	InternalServer HTTPConfig `mapstructure:"internal_server" json:"internal_server" validate:"required"`
	// MetricsEnabled whether to serve prometheus metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled" json:"metrics_enabled"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default registry settings
	viper.SetDefault("registry.driver", "memory")
	viper.SetDefault("registry.retention_hrs", 24)
	viper.SetDefault("registry.janitor_interval_sec", 300)

	// Default credential settings
	viper.SetDefault("auth.audience", "SAAI-Frontend")
	viper.SetDefault("auth.allowed_roles", []string{"TRABAJADOR", "ADMIN", "SAAI"})

	// Default dispatch settings
	viper.SetDefault("dispatch.push_timeout_ms", 3000)
	viper.SetDefault("dispatch.max_parallel_push", 16)
	viper.SetDefault("dispatch.timezone", DefaultTenantTimezone)

	// Default transport settings
	viper.SetDefault("transport.mode", "local")
	viper.SetDefault("transport.allowed_origins", []string{"*"})

	// Default intake settings
	viper.SetDefault("intake.enabled", false)
	viper.SetDefault("intake.subject", "tenantcast.publish")
	viper.SetDefault("intake.queue_group", "tenantcast-dispatch")

	// Default HTTP server settings
	for _, server := range []struct {
		key  string
		port int
	}{{"api_server", 8080}, {"internal_server", 8081}} {
		viper.SetDefault(server.key+".path_prefix", "/")
		viper.SetDefault(server.key+".server_config.listen_on", "0.0.0.0")
		viper.SetDefault(server.key+".server_config.listen_port", server.port)
		viper.SetDefault(server.key+".server_config.read_timeout_sec", 60)
		viper.SetDefault(server.key+".server_config.write_timeout_sec", 60)
		viper.SetDefault(server.key+".server_config.idle_timeout_sec", 600)
		viper.SetDefault(
			server.key+".logging_config.request_id_header", "Tenantcast-Request-ID",
		)
		viper.SetDefault(
			server.key+".logging_config.do_not_log_headers", []string{
				"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			},
		)
	}

	viper.SetDefault("metrics_enabled", true)
}
