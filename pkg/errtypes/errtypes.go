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

// Package errtypes contains definitions for the error kinds the granted-tree
// engine can surface. It would have been nice to call this package errors,
// err or error but errors clashes with github.com/pkg/errors, err is used
// for any error variable and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// PermissionDenied is the error to use when a user has no grant path to the
// requested node key.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// AdminIsModifyingPerm is the error surfaced to readers while the user's
// mapping tree is being rewritten. Maps to a 409 on the HTTP surface.
type AdminIsModifyingPerm string

func (e AdminIsModifyingPerm) Error() string {
	return "error: admin is modifying permissions: " + string(e)
}

// IsAdminIsModifyingPerm implements the IsAdminIsModifyingPerm interface.
func (e AdminIsModifyingPerm) IsAdminIsModifyingPerm() {}

// CannotRemovePermNow is the error to use when a permission deletion is
// blocked by pending rebuild tasks. Maps to a 409 on the HTTP surface.
type CannotRemovePermNow string

func (e CannotRemovePermNow) Error() string {
	return "error: cannot remove permission now: " + string(e)
}

// IsCannotRemovePermNow implements the IsCannotRemovePermNow interface.
func (e CannotRemovePermNow) IsCannotRemovePermNow() {}

// SomeoneIsDoingThis is the error to use when the per-user lock is already
// held by another worker. Retried internally by the task runner.
type SomeoneIsDoingThis string

func (e SomeoneIsDoingThis) Error() string { return "error: someone is doing this: " + string(e) }

// IsSomeoneIsDoingThis implements the IsSomeoneIsDoingThis interface.
func (e SomeoneIsDoingThis) IsSomeoneIsDoingThis() {}

// LockTimeout is the error to use when the lock TTL expired while the holder
// was still writing. The surrounding transaction must roll back.
type LockTimeout string

func (e LockTimeout) Error() string { return "error: lock timeout: " + string(e) }

// IsLockTimeout implements the IsLockTimeout interface.
func (e LockTimeout) IsLockTimeout() {}

// ReverseNotAllowed is the error to use when the write layer reports a
// many-to-many change through the reverse side of a forbidden relation.
type ReverseNotAllowed string

func (e ReverseNotAllowed) Error() string { return "error: reverse not allowed: " + string(e) }

// IsReverseNotAllowed implements the IsReverseNotAllowed interface.
func (e ReverseNotAllowed) IsReverseNotAllowed() {}

// IllegalBulkOp is the error to use for bulk operations that carry no
// primary-key set, like pre_clear on a many-to-many relation.
type IllegalBulkOp string

func (e IllegalBulkOp) Error() string { return "error: illegal bulk operation: " + string(e) }

// IsIllegalBulkOp implements the IsIllegalBulkOp interface.
func (e IllegalBulkOp) IsIllegalBulkOp() {}

// MalformedKey is the error to use when a node key has empty segments or a
// leading or trailing colon.
type MalformedKey string

func (e MalformedKey) Error() string { return "error: malformed node key: " + string(e) }

// IsMalformedKey implements the IsMalformedKey interface.
func (e MalformedKey) IsMalformedKey() {}

// IntegrityViolation is the error to use when a rebuild detects an invariant
// violation, e.g. the same node granted twice for one user.
type IntegrityViolation string

func (e IntegrityViolation) Error() string { return "error: integrity violation: " + string(e) }

// IsIntegrityViolation implements the IsIntegrityViolation interface.
func (e IntegrityViolation) IsIntegrityViolation() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsPermissionDenied is the interface to implement
// to specify that a user has no grant path.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsAdminIsModifyingPerm is the interface to implement
// to specify that the user's tree is being rewritten.
type IsAdminIsModifyingPerm interface {
	IsAdminIsModifyingPerm()
}

// IsCannotRemovePermNow is the interface to implement
// to specify that a permission deletion is blocked.
type IsCannotRemovePermNow interface {
	IsCannotRemovePermNow()
}

// IsSomeoneIsDoingThis is the interface to implement
// to specify that the per-user lock is already held.
type IsSomeoneIsDoingThis interface {
	IsSomeoneIsDoingThis()
}

// IsLockTimeout is the interface to implement
// to specify that the lock TTL expired mid-write.
type IsLockTimeout interface {
	IsLockTimeout()
}

// IsReverseNotAllowed is the interface to implement
// to specify that a reverse write was rejected.
type IsReverseNotAllowed interface {
	IsReverseNotAllowed()
}

// IsIllegalBulkOp is the interface to implement
// to specify that a bulk operation was rejected.
type IsIllegalBulkOp interface {
	IsIllegalBulkOp()
}

// IsMalformedKey is the interface to implement
// to specify that a node key failed validation.
type IsMalformedKey interface {
	IsMalformedKey()
}

// IsIntegrityViolation is the interface to implement
// to specify that a rebuild invariant check failed.
type IsIntegrityViolation interface {
	IsIntegrityViolation()
}
