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

// Package transport connects the dispatcher and the lifecycle manager to the duplex
// messaging gateway owning the physical sockets.
package transport

import (
	"context"

	"github.com/alwitt/tenantcast/registry"
)

// ConnectionPusher push primitive of a duplex messaging gateway. Push returns nil when
// the message was delivered, an error matching common.ErrConnectionGone when the
// connection no longer exists, and any other error for a transient failure.
type ConnectionPusher interface {
	Push(ctxt context.Context, connectionID string, message []byte) error
}

// SessionHandler receives the setup and teardown notifications of a gateway
type SessionHandler interface {
	// OnSetup admit a new connection. An error refuses the connection.
	OnSetup(ctxt context.Context, rawCredential, connectionID string) (registry.ConnectionRecord, error)
	// OnTeardown retire a closed connection
	OnTeardown(ctxt context.Context, connectionID, tenantID string)
}
