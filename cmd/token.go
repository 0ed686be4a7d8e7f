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
	"fmt"
	"time"

	"github.com/alwitt/tenantcast/auth"
	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/urfave/cli/v2"
)

// TokenCLIArgs arguments for issuing a session credential
type TokenCLIArgs struct {
	SubjectID string `validate:"required"`
	TenantID  string `validate:"required,registry_key"`
	Role      string `validate:"required"`
	TTL       time.Duration
}

// GetTokenCLIFlags retrieve the set of CMD flags for issuing a session credential
func GetTokenCLIFlags(args *TokenCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "subject",
			Usage:       "User the credential is issued to",
			Aliases:     []string{"s"},
			Destination: &args.SubjectID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "tenant",
			Usage:       "Tenant of the user",
			Aliases:     []string{"t"},
			Destination: &args.TenantID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "role",
			Usage:       "Role of the user",
			Aliases:     []string{"r"},
			Value:       "TRABAJADOR",
			DefaultText: "TRABAJADOR",
			Destination: &args.Role,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Credential lifetime",
			Value:       time.Hour * 8,
			DefaultText: "8h",
			Destination: &args.TTL,
			Required:    false,
		},
	}
}

// IssueToken issue a session credential signed with the configured secret
func IssueToken(params TokenCLIArgs, config common.AuthConfig) (string, error) {
	logTags := log.Fields{"module": "cmd", "component": "issue-token"}
	validate := common.NewValidator()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return "", err
	}
	if params.TTL <= 0 {
		err := fmt.Errorf("credential lifetime must be positive: %s", params.TTL)
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return "", err
	}
	return auth.IssueCredential(config, auth.Identity{
		SubjectID: params.SubjectID, TenantID: params.TenantID, Role: params.Role,
	}, params.TTL)
}
