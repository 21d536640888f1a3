package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestConnectRedis(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+server.Addr()+"/0", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = ConnectRedis(context.Background(), "", "")
	require.Error(t, err)
	_, err = ConnectRedis(context.Background(), "::not a url", "")
	require.Error(t, err)
}

func TestConnectPostgresRequiresDSN(t *testing.T) {
	_, err := ConnectPostgres("")
	require.Error(t, err)
}

func TestConnectNATSWithoutURL(t *testing.T) {
	conn, err := ConnectNATS("", "test", zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migrate?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	require.True(t, db.Migrator().HasTable("ai_evaluations"))
	require.True(t, db.Migrator().HasTable("submissions"))
}
