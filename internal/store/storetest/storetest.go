// Package storetest opens throwaway in-memory databases for package tests.
package storetest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/treeforge/internal/store"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open returns a migrated Store over a private in-memory SQLite database.
// The pool holds one connection, so concurrent transactions serialize.
func Open(t testing.TB) *store.Store {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), store.GormConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := store.New(db, zap.NewNop())
	require.NoError(t, err)
	return s
}
