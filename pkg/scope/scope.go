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

// Package scope carries the organization scope of a store operation.
// Store reads are filtered to one organization unless run under the root
// scope, which sees every organization. Rebuilds always run under the root
// scope so one mapping tree covers all of a user's organizations.
package scope

// Org identifies the organization a store operation is scoped to.
type Org string

// Root is the scope that disables organization filtering.
const Root = Org("")

// IsRoot reports whether the scope sees all organizations.
func (o Org) IsRoot() bool {
	return o == Root
}
