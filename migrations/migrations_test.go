package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendsShareVersions(t *testing.T) {
	pg, err := fs.Glob(Postgres(), "*.sql")
	require.NoError(t, err)
	lite, err := fs.Glob(SQLite(), "*.sql")
	require.NoError(t, err)

	require.NotEmpty(t, pg)
	assert.Equal(t, pg, lite, "every migration needs a file for both backends")
}
