/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package whiteboard

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConflictLoss is the reason carried by FAILED events for elements that lost a conflict and were queued.
	ErrConflictLoss = errors.New("conflict lost to a preceding element")

	// ErrOwnerVanished is returned by installs that were interrupted because their owner was undeployed.
	ErrOwnerVanished = errors.New("owner vanished during registration")

	// ErrContextRemoved is the reason carried by UNDEPLOYED events caused by a context going away.
	ErrContextRemoved = errors.New("context removed")

	// ErrSelectorMismatch is the reason carried by UNDEPLOYED events caused by a context property change.
	ErrSelectorMismatch = errors.New("selector no longer matches context")

	ErrUnknownContext     = errors.New("unknown context")
	ErrDuplicateContext   = errors.New("context with the same owner, name and path already exists")
	ErrApplicationContext = errors.New("context is owned by an application and is removed with it")
	ErrInvalidElement     = errors.New("invalid web element")
	ErrAwaitTimeout       = errors.New("timed out waiting for deployment outcome")
	ErrClosed             = errors.New("whiteboard is closed")
)

// SelectorSyntaxError reports a malformed selector. It is always returned synchronously from registration.
type SelectorSyntaxError struct {
	Selector string
	Offset   int
	Reason   string
}

func (e *SelectorSyntaxError) Error() string {
	return fmt.Sprintf("invalid selector [%s] at offset %d: %s", e.Selector, e.Offset, e.Reason)
}

// PathConflictError is returned when a context would collide with an application already bound to the same path.
type PathConflictError struct {
	Path          string
	Name          string
	ExistingName  string
	ExistingOwner string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("context path [%s] with name [%s] conflicts with application context [%s] of owner [%s]",
		e.Path, e.Name, e.ExistingName, e.ExistingOwner)
}

// MountError wraps a failure reported by the native Engine while attaching an element or creating a context.
type MountError struct {
	Op    string
	Cause error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Cause)
}

func (e *MountError) Unwrap() error {
	return e.Cause
}

// IsMountError reports whether err is, or wraps, a *MountError.
func IsMountError(err error) bool {
	var mountErr *MountError
	return errors.As(err, &mountErr)
}
