// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package testutils provides utilities for managing test files and making assertions in tests.
package testutils

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Ptr returns a pointer to the given value.
func Ptr[T any](value T) *T {
	return &value
}

// SyncCall runs the given function while holding the lock.
// Used by tests that swap package-level state.
func SyncCall(lock *sync.Mutex, fn func()) {
	lock.Lock()
	defer lock.Unlock()
	fn()
}

// CreateMockFile creates a file with the given contents in a temporary
// directory scoped to the test and returns its path.
func CreateMockFile(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}
