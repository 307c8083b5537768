// Copyright 2020-2026 Bastion Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nodekey implements the colon-delimited key algebra of the node
// tree. A key like "1:8:3" addresses a node; its parent is "1:8" and its
// descendants are all keys starting with "1:8:3:".
package nodekey

import (
	"strings"

	"github.com/bastionlabs/grantree/pkg/errtypes"
)

// Separator joins the segments of a node key.
const Separator = ":"

// Validate returns a MalformedKey error if the key is empty, has empty
// segments or a leading or trailing colon.
func Validate(key string) error {
	if key == "" {
		return errtypes.MalformedKey(key)
	}
	for _, segment := range strings.Split(key, Separator) {
		if segment == "" {
			return errtypes.MalformedKey(key)
		}
	}
	return nil
}

// Parent returns the parent key, which is the prefix up to the last colon.
// Root keys have the empty parent key.
func Parent(key string) string {
	i := strings.LastIndex(key, Separator)
	if i < 0 {
		return ""
	}
	return key[:i]
}

// Ancestors returns all strict prefixes of the key, root first.
// Ancestors("1:8:3") is ["1", "1:8"]. Root keys have no ancestors.
func Ancestors(key string) []string {
	var ancestors []string
	for i, r := range key {
		if string(r) == Separator {
			ancestors = append(ancestors, key[:i])
		}
	}
	return ancestors
}

// Depth returns the number of segments of the key.
func Depth(key string) int {
	if key == "" {
		return 0
	}
	return strings.Count(key, Separator) + 1
}

// IsDescendant reports whether a lies strictly below ancestor in the tree.
func IsDescendant(a, ancestor string) bool {
	return strings.HasPrefix(a, ancestor+Separator)
}

// InSubtree reports whether a equals key or lies below it.
func InSubtree(a, key string) bool {
	return a == key || IsDescendant(a, key)
}

// SubtreePattern returns the SQL LIKE pattern matching all strict
// descendants of the key. Callers combine it with an equality match to
// cover the whole subtree.
func SubtreePattern(key string) string {
	return key + Separator + "%"
}
