// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/noldarim/caroni/internal/config"

	"github.com/stretchr/testify/require"
)

// DatabaseFixture represents a database setup with cleanup
type DatabaseFixture struct {
	DB      *GormDB
	Cleanup func()
}

// UseFreshInMemoryDatabase creates a private in-memory SQLite database with GORM AutoMigrate applied
func UseFreshInMemoryDatabase(t testing.TB) *DatabaseFixture {
	cfg := InMemoryConfig()

	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on in-memory database")

	cleanup := func() {
		db.Close()
	}
	t.Cleanup(cleanup)

	return &DatabaseFixture{
		DB:      db,
		Cleanup: cleanup,
	}
}

// InMemoryConfig returns a config for a uniquely named shared-cache memory database,
// so parallel tests never see each other's rows
func InMemoryConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:caroni-%s?mode=memory&cache=shared", uuid.NewString()),
	}
}
