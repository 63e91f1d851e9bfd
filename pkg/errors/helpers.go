// Copyright 2025 Tom Barlow
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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := sink.Export(ctx, dataset, spans); err != nil {
//	    return errors.Wrap(err, "exporting spans")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// KindOf classifies err by the first ErrorClassifier in its chain.
// Unclassified and unknown kinds are KindInternal.
func KindOf(err error) Kind {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if k := Kind(classifier.ErrorType()); k.Valid() {
			return k
		}
	}
	return KindInternal
}

// UserMessageOf returns the client-facing message for err and whether err
// declared itself visible to clients. Without a UserVisibleError in the
// chain the message is that of the first ErrorClassifier, so context added
// by wrapping never reaches the client.
func UserMessageOf(err error) (string, bool) {
	var visible UserVisibleError
	if errors.As(err, &visible) {
		return visible.UserMessage(), visible.IsUserVisible()
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.Error(), false
	}
	return err.Error(), false
}
