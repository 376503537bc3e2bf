// Package testutil holds fixtures shared by the storage and wavelet tests.
package testutil

import (
	"flag"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-wave/internal/keyValStore"
)

var stress = flag.Bool("long", false, "run the concurrent stress tests")

// RequireLong skips t unless the stress tests were enabled with -long.
func RequireLong(t testing.TB) {
	t.Helper()
	if !*stress {
		t.Skip("stress test, enable with -long")
	}
}

// OpenStore opens a badger store in a temporary directory that is closed
// when t ends. Badger logs only errors.
func OpenStore(t testing.TB) *keyValStore.KeyValStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}
