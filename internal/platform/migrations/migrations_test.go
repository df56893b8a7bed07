package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := sqlFS.ReadDir("sql")
	assert.NoError(t, err)
	assert.NotEmpty(t, entries)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "0001_init.up.sql")
	assert.Contains(t, names, "0001_init.down.sql")
}
