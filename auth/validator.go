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

// Package auth validates the bearer credentials presented at connection setup.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/tenantcast/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Identity the verified claims of a credential
type Identity struct {
	// SubjectID the user the credential was issued to
	SubjectID string
	// TenantID the tenant the user belongs to
	TenantID string
	// Role the user's role
	Role string
	// ExpiresAt when the credential expires
	ExpiresAt time.Time
}

// CredentialValidator verifies a raw credential
type CredentialValidator interface {
	// Validate verify the credential. Every failure is reported as
	// common.ErrAuthRejected.
	Validate(ctxt context.Context, rawCredential string) (Identity, error)
}

// SessionClaims claims carried by a session credential
type SessionClaims struct {
	jwt.RegisteredClaims
	// SubjectID the user code
	SubjectID string `json:"codigo_usuario"`
	// TenantID the tenant
	TenantID string `json:"tenant_id"`
	// Role the user's role
	Role string `json:"rol"`
}

// jwtValidator HS256 JWT credential validator
type jwtValidator struct {
	common.Component
	secret       []byte
	parser       *jwt.Parser
	allowedRoles map[string]bool
}

// GetJWTValidator define a new HS256 JWT credential validator
func GetJWTValidator(cfg common.AuthConfig) (CredentialValidator, error) {
	logTags := log.Fields{"module": "auth", "component": "jwt-validator", "instance": cfg.Audience}
	if len(cfg.Secret) == 0 {
		err := fmt.Errorf("credential secret is not set")
		log.WithError(err).WithFields(logTags).Error("Unable to define validator")
		return nil, err
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(cfg.Audience),
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	allowedRoles := map[string]bool{}
	for _, role := range cfg.AllowedRoles {
		allowedRoles[role] = true
	}
	return &jwtValidator{
		Component:    common.Component{LogTags: logTags},
		secret:       []byte(cfg.Secret),
		parser:       jwt.NewParser(options...),
		allowedRoles: allowedRoles,
	}, nil
}

// StripBearer remove an optional "Bearer " prefix
func StripBearer(rawCredential string) string {
	trimmed := strings.TrimSpace(rawCredential)
	if len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "Bearer") {
		if len(trimmed) == 6 || trimmed[6] == ' ' {
			return strings.TrimSpace(trimmed[6:])
		}
	}
	return trimmed
}

func (v *jwtValidator) Validate(ctxt context.Context, rawCredential string) (Identity, error) {
	logTags := v.GetLogTagsForContext(ctxt)
	tokenString := StripBearer(rawCredential)
	if tokenString == "" {
		log.WithFields(logTags).Info("No credential presented")
		return Identity{}, fmt.Errorf("%w: no credential", common.ErrAuthRejected)
	}

	claims := &SessionClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Info("Credential failed verification")
		return Identity{}, fmt.Errorf("%w: %s", common.ErrAuthRejected, err.Error())
	}
	if !token.Valid {
		log.WithFields(logTags).Info("Credential not valid")
		return Identity{}, fmt.Errorf("%w: not valid", common.ErrAuthRejected)
	}

	if claims.SubjectID == "" || claims.TenantID == "" || claims.Role == "" {
		log.WithFields(logTags).Info("Credential missing identity claims")
		return Identity{}, fmt.Errorf(
			"%w: credential must carry codigo_usuario, tenant_id and rol", common.ErrAuthRejected,
		)
	}
	if err := common.ValidateTenantID(claims.TenantID); err != nil {
		log.WithError(err).WithFields(logTags).Info("Credential carries invalid tenant")
		return Identity{}, fmt.Errorf("%w: %s", common.ErrAuthRejected, err.Error())
	}
	if !v.allowedRoles[claims.Role] {
		log.WithFields(logTags).Infof("Role '%s' may not connect", claims.Role)
		return Identity{}, fmt.Errorf("%w: role '%s' not permitted", common.ErrAuthRejected, claims.Role)
	}

	return Identity{
		SubjectID: claims.SubjectID,
		TenantID:  claims.TenantID,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
