// Package golden compares test output with files under testdata/.
package golden

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var update = flag.Bool("update", false, "update golden files")

// Assert compares got with testdata/<name>.golden, rewriting the file instead
// when the test binary runs with -update.
func Assert(t *testing.T, name, got string) {
	t.Helper()
	path := path(t, name)
	if *update {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(got), 0o600))
		return
	}
	want, err := os.ReadFile(path) //nolint:gosec // testdata path controlled by test
	require.NoError(t, err, "missing golden file; run with -update")
	assert.Equal(t, string(want), got)
}

func path(t *testing.T, name string) string {
	t.Helper()
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		t.Fatalf("invalid golden name %q", name)
	}
	return filepath.Join("testdata", name+".golden")
}
