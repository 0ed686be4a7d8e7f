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
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// maxKeySegmentLength max length of a tenant or connection ID
const maxKeySegmentLength = 128

// registryKeySegment tenant and connection IDs are used as segments of storage keys
// in every registry backend, so separators and wildcards are not permitted.
var registryKeySegment = regexp.MustCompile(`^[A-Za-z0-9_=+-]+$`)

// NewValidator define a validator with the custom "registry_key" tag installed
func NewValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("registry_key", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return len(value) <= maxKeySegmentLength && registryKeySegment.MatchString(value)
	})
	return validate
}

// ValidateTenantID validate a tenant ID
func ValidateTenantID(tenantID string) error {
	return validateKeySegment("tenant_id", tenantID)
}

// ValidateConnectionID validate a connection ID
func ValidateConnectionID(connectionID string) error {
	return validateKeySegment("connection_id", connectionID)
}

// ValidateRegistryKey validate both components of a registry key
func ValidateRegistryKey(tenantID, connectionID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	return ValidateConnectionID(connectionID)
}

func validateKeySegment(field, value string) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: %s is required", ErrInvalidRegistryKey, field)
	}
	if len(value) > maxKeySegmentLength {
		return fmt.Errorf(
			"%w: %s longer than %d characters", ErrInvalidRegistryKey, field, maxKeySegmentLength,
		)
	}
	if !registryKeySegment.MatchString(value) {
		return fmt.Errorf(
			"%w: %s '%s' contains characters outside [A-Za-z0-9_=+-]", ErrInvalidRegistryKey, field, value,
		)
	}
	return nil
}
