package postgres

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://a:b@db:6543/x", Host: "ignored"},
			want: "postgres://a:b@db:6543/x",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "localhost", Database: "flashbid", User: "fb", Password: "pw"},
			want: "postgres://fb:pw@localhost:5432/flashbid?sslmode=disable",
		},
		{
			name: "custom sslmode",
			cfg:  ClientConfig{Host: "pg", Port: 5433, Database: "d", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@pg:5433/d?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "001_init.sql", entries[0].Name())

	body, err := fs.ReadFile(migrationsFS, "migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"users", "auctions", "auction_winners", "audit_log"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table)
	}
}
