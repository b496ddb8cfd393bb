// Copyright The Schedcore Authors. All Rights Reserved.
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

// Package testutils collects small test assertion helpers shared across
// the scheduling core's package tests, in particular for unwrapping the
// accumulated errors a Validate() method returns.
package testutils

import (
	"reflect"
	"strings"
	"testing"

	multierror "github.com/hashicorp/go-multierror"
)

// VerifyDeepEqual checks that two values (including structures) are equal,
// or else it fails the test.
func VerifyDeepEqual(t *testing.T, valueName string, expectedValue, seenValue interface{}) bool {
	t.Helper()
	if reflect.DeepEqual(expectedValue, seenValue) {
		return true
	}
	t.Errorf("expected %s value %+v, got %+v", valueName, expectedValue, seenValue)
	return false
}

// VerifyError checks that err is a *multierror.Error accumulating exactly
// expectedCount wrapped errors, each substring in expectedSubstrings
// appearing somewhere in its combined message. An error that is not a
// *multierror.Error passes only when expectedCount is 1.
func VerifyError(t *testing.T, err error, expectedCount int, expectedSubstrings []string) bool {
	t.Helper()
	if expectedCount == 0 {
		if err != nil {
			t.Errorf("expected 0 errors, but got %v", err)
			return false
		}
		return true
	}

	if err == nil {
		t.Errorf("error expected, got nil")
		return false
	}

	ok := true
	if merr, isMulti := err.(*multierror.Error); isMulti {
		if len(merr.Errors) != expectedCount {
			t.Errorf("expected %d errors, but got %d: %v", expectedCount, len(merr.Errors), err)
			ok = false
		}
	} else if expectedCount != 1 {
		t.Errorf("expected %d errors, but got a non-multierror: %v", expectedCount, err)
		ok = false
	}

	for _, substring := range expectedSubstrings {
		if !strings.Contains(err.Error(), substring) {
			t.Errorf("expected error with substring %q, got %q", substring, err.Error())
			ok = false
		}
	}
	return ok
}
