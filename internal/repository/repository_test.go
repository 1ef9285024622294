package repository

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amedas-climate/pkg/database"
)

func TestUpsertSQL(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		want    string
		wantErr bool
	}{
		{
			name:   "postgres",
			driver: database.DriverPostgres,
			want: "INSERT INTO stations (station_id, name, latitude) VALUES (?, ?, ?) " +
				"ON CONFLICT (station_id) DO UPDATE SET name = EXCLUDED.name, latitude = EXCLUDED.latitude",
		},
		{
			name:   "mysql",
			driver: database.DriverMySQL,
			want: "INSERT INTO stations (station_id, name, latitude) VALUES (?, ?, ?) " +
				"ON DUPLICATE KEY UPDATE name = VALUES(name), latitude = VALUES(latitude)",
		},
		{
			name:    "unsupported",
			driver:  "sqlite3",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := upsertSQL(tt.driver, "stations", []string{"station_id", "name", "latitude"}, []string{"station_id"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnomalyWhere(t *testing.T) {
	year, month, station := 2024, 6, "s47662"

	where, args := anomalyWhere(AnomalyFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = anomalyWhere(AnomalyFilter{Year: &year, Month: &month, StationID: &station})
	assert.Equal(t, " WHERE year = ? AND month = ? AND station_id = ?", where)
	assert.Equal(t, []interface{}{2024, 6, "s47662"}, args)
}

func TestSchemaStatements(t *testing.T) {
	for _, driver := range []string{database.DriverPostgres, database.DriverMySQL} {
		t.Run(driver, func(t *testing.T) {
			up, err := SchemaStatements(driver, DirectionUp)
			require.NoError(t, err)
			require.Len(t, up, 5)
			for _, stmt := range up {
				assert.True(t, strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS"))
			}

			down, err := SchemaStatements(driver, DirectionDown)
			require.NoError(t, err)
			require.Len(t, down, 5)
			assert.Equal(t, "DROP TABLE IF EXISTS acquisition_failures", down[0])
			assert.Equal(t, "DROP TABLE IF EXISTS stations", down[4])
		})
	}

	pg, _ := SchemaStatements(database.DriverPostgres, DirectionUp)
	assert.Contains(t, pg[0], "DOUBLE PRECISION")
	my, _ := SchemaStatements(database.DriverMySQL, DirectionUp)
	assert.Contains(t, my[0], "DATETIME(6)")

	_, err := SchemaStatements(database.DriverPostgres, "sideways")
	assert.Error(t, err)
	_, err = SchemaStatements("oracle", DirectionUp)
	assert.Error(t, err)
}

func TestNotFoundError(t *testing.T) {
	err := fmt.Errorf("lookup: %w", &NotFoundError{Resource: "climatology_baseline", ID: "s47662"})

	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.Equal(t, "lookup: climatology_baseline not found: s47662", err.Error())

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.False(t, nf.IsTransient())
}
