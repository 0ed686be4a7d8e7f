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

import "errors"

var (
	// ErrAuthRejected the connection credential is missing, malformed, expired, or fails
	// signature / claim checks. The connection setup must be refused.
	ErrAuthRejected = errors.New("credential rejected")

	// ErrRegistryUnavailable the connection registry storage could not be read or written
	ErrRegistryUnavailable = errors.New("connection registry unavailable")

	// ErrUnknownEventType the event type is not part of the recognized set
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrConnectionNotFound no registry record exists for the tenant / connection pair
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionGone the transport reports the target connection no longer exists
	ErrConnectionGone = errors.New("connection gone")

	// ErrInvalidRegistryKey a tenant or connection ID is not usable as a registry key
	ErrInvalidRegistryKey = errors.New("invalid registry key")
)
