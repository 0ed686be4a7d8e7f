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

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// ConnectionManagementClient the subset of the API Gateway management API used for push
type ConnectionManagementClient interface {
	PostToConnection(
		ctx context.Context,
		params *apigatewaymanagementapi.PostToConnectionInput,
		optFns ...func(*apigatewaymanagementapi.Options),
	) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// NewConnectionManagementClient define a management API client for a gateway endpoint
func NewConnectionManagementClient(cfg aws.Config, endpoint string) *apigatewaymanagementapi.Client {
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

// apiGatewayPusher ConnectionPusher through a WebSocket gateway management API
type apiGatewayPusher struct {
	common.Component
	client ConnectionManagementClient
}

// GetAPIGatewayPusher define a ConnectionPusher which pushes through the connection
// management API of a WebSocket gateway
func GetAPIGatewayPusher(client ConnectionManagementClient, endpoint string) (ConnectionPusher, error) {
	logTags := log.Fields{"module": "transport", "component": "apigw-pusher", "instance": endpoint}
	if client == nil {
		err := fmt.Errorf("management API client is required")
		log.WithError(err).WithFields(logTags).Error("Unable to define pusher")
		return nil, err
	}
	return &apiGatewayPusher{Component: common.Component{LogTags: logTags}, client: client}, nil
}

// Push write a message to one connection
func (p *apiGatewayPusher) Push(ctxt context.Context, connectionID string, message []byte) error {
	_, err := p.client.PostToConnection(ctxt, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         message,
	})
	if err == nil {
		return nil
	}
	var gone *types.GoneException
	var forbidden *types.ForbiddenException
	if errors.As(err, &gone) || errors.As(err, &forbidden) {
		return fmt.Errorf("%w: %s", common.ErrConnectionGone, err.Error())
	}
	log.WithError(err).WithFields(p.LogTags).Debugf("Push to %s failed", connectionID)
	return err
}
