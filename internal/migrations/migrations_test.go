package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEverySchemaHasGooseAnnotations(t *testing.T) {
	for _, schema := range []Schema{Users, Inventory, Rental, CarStatus} {
		names, err := Files(schema)
		require.NoError(t, err, schema)
		require.NotEmpty(t, names, schema)

		for _, name := range names {
			body, err := fsys.ReadFile(string(schema) + "/" + name)
			require.NoError(t, err)
			assert.True(t, strings.Contains(string(body), "-- +goose Up"), name)
			assert.True(t, strings.Contains(string(body), "-- +goose Down"), name)
		}
	}
}

func TestRentalSchemaCarriesOutbox(t *testing.T) {
	body, err := fsys.ReadFile("rental/00001_create_rentals.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS outbox_events")
}
