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
	"fmt"
	"testing"

	"github.com/alwitt/tenantcast/common"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/stretchr/testify/assert"
)

// fakeManagementAPI answers PostToConnection from a per connection error table
type fakeManagementAPI struct {
	failures map[string]error
	posted   map[string][]byte
}

func (f *fakeManagementAPI) PostToConnection(
	_ context.Context,
	params *apigatewaymanagementapi.PostToConnectionInput,
	_ ...func(*apigatewaymanagementapi.Options),
) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	connectionID := aws.ToString(params.ConnectionId)
	if err, ok := f.failures[connectionID]; ok {
		return nil, err
	}
	f.posted[connectionID] = params.Data
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

func TestAPIGatewayPusherErrorMapping(t *testing.T) {
	assert := assert.New(t)

	client := &fakeManagementAPI{
		failures: map[string]error{
			"c-gone":      &types.GoneException{Message: aws.String("gone")},
			"c-forbidden": &types.ForbiddenException{Message: aws.String("forbidden")},
			"c-throttled": &types.LimitExceededException{Message: aws.String("slow down")},
			"c-network":   fmt.Errorf("connection reset by peer"),
		},
		posted: map[string][]byte{},
	}
	uut, err := GetAPIGatewayPusher(client, "https://example.execute-api.us-east-1.amazonaws.com/prod")
	assert.Nil(err)

	utCtxt := context.Background()

	// Case 0: delivered
	assert.Nil(uut.Push(utCtxt, "c-ok", []byte("hello")))
	assert.Equal([]byte("hello"), client.posted["c-ok"])

	// Case 1: gone and forbidden both mean the connection no longer exists
	assert.ErrorIs(uut.Push(utCtxt, "c-gone", []byte("hello")), common.ErrConnectionGone)
	assert.ErrorIs(uut.Push(utCtxt, "c-forbidden", []byte("hello")), common.ErrConnectionGone)

	// Case 2: everything else is transient
	for _, connectionID := range []string{"c-throttled", "c-network"} {
		err := uut.Push(utCtxt, connectionID, []byte("hello"))
		assert.NotNil(err)
		assert.NotErrorIs(err, common.ErrConnectionGone)
	}
}
