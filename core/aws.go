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

	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// GetAWSConfig load the AWS SDK config from the default credential chain for a region
func GetAWSConfig(ctxt context.Context, region string) (aws.Config, error) {
	logTags := log.Fields{"module": "core", "component": "aws", "instance": region}
	cfg, err := config.LoadDefaultConfig(ctxt, config.WithRegion(region))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load AWS config")
		return aws.Config{}, err
	}
	return cfg, nil
}
