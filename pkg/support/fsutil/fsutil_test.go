// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	for _, tc := range []struct{ dir, want string }{
		{"", ""},
		{"/tmp/settings.txt", "/tmp/settings.txt"},
		{"relative/~/dir", "relative/~/dir"},
		{"~", usr.HomeDir},
		{"~/settings.txt", path.Join(usr.HomeDir, "settings.txt")},
	} {
		got, err := ReplaceTildeInDir(tc.dir)
		require.NoError(t, err, "dir=%q", tc.dir)
		assert.Equal(t, tc.want, got, "dir=%q", tc.dir)
	}
	_, err = ReplaceTildeInDir("~user_that_does_not_exist_42/x")
	require.Error(t, err)
}
