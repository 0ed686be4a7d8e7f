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
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: defaults alone are missing the credential secret
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 2: load the configs
	viper.Set("auth.secret", "unit-test-secret-0123456789")
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("memory", cfg.Registry.Driver)
		assert.Equal(time.Hour*24, cfg.Registry.Retention())
		assert.Nil(cfg.Registry.Redis)
		assert.Equal(time.Second*3, cfg.Dispatch.PushTimeoutDuration())
		assert.Equal("SAAI-Frontend", cfg.Auth.Audience)
		assert.Equal([]string{"TRABAJADOR", "ADMIN", "SAAI"}, cfg.Auth.AllowedRoles)
		assert.Equal("local", cfg.Transport.Mode)
		assert.Equal(DefaultTenantTimezone, cfg.Dispatch.Timezone)
		assert.Equal(uint16(8080), cfg.APIServer.Server.Port)
		assert.Equal(uint16(8081), cfg.InternalServer.Server.Port)
		assert.Equal("/", cfg.InternalServer.PathPrefix)
		assert.Equal("Tenantcast-Request-ID", cfg.InternalServer.Logging.RequestIDHeader)
	}

	// Case 3: driver selected without its parameters
	{
		config := []byte(`---
registry:
  driver: redis`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: driver selected with its parameters
	{
		config := []byte(`---
registry:
  driver: redis
  redis:
    url: redis://127.0.0.1:6379/0
    key_prefix: tenantcast`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Registry.Redis)
		assert.Equal("tenantcast", cfg.Registry.Redis.KeyPrefix)
	}

	// Case 5: unknown driver
	{
		config := []byte(`---
registry:
  driver: sqlite`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: invalid config
	{
		config := []byte(`---
api_server:
  server_config:
    write_timeout_sec: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 7: managed gateway transport requires its endpoint
	{
		config := []byte(`---
transport:
  mode: apigw`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
