package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// NewRedisServer starts an in-process Redis server that is shut down when the
// test ends.
//
// Postcondition: Returns a running server; its address is srv.Addr().
func NewRedisServer(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	srv := miniredis.RunT(t)
	t.Logf("miniredis listening on %s", srv.Addr())
	return srv
}
