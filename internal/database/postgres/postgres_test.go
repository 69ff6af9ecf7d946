package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	schema := `-- header comment

CREATE TABLE a (id INT);
-- between
CREATE INDEX idx ON a (id);

`
	statements := splitStatements(schema)
	require.Len(t, statements, 2)
	assert.Equal(t, "CREATE TABLE a (id INT)", statements[0])
	assert.Equal(t, "CREATE INDEX idx ON a (id)", statements[1])
}

func TestEmbeddedSchema(t *testing.T) {
	statements := splitStatements(schemaSQL)
	require.NotEmpty(t, statements)

	joined := ""
	for _, s := range statements {
		assert.NotContains(t, s, "--")
		joined += s + "\n"
	}
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS paddock_observations")
	assert.Contains(t, joined, "UNIQUE (farm_external_id, paddock_external_id, observation_date)")
}
