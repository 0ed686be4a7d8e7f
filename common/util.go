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
	"context"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetLogTagsForContext helper function to get the log tags of the component, extended
// with the request parameters found in the context
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result, err := UpdateLogTags(ctxt, c.LogTags)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to update logtags")
		return c.LogTags
	}
	return result
}

// UpdateLogTags copy the base log tags and add the request parameters stored in the
// context, if any
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if ok {
			v.UpdateLogTags(newLogTags)
		}
	}
	return newLogTags, nil
}
