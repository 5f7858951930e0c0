// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"testing"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/orchestrator/database"
)

// DataServiceFixture represents a data service setup with cleanup
type DataServiceFixture struct {
	Service *DataService
	DB      *database.GormDB
	Cleanup func()
}

// WithDataService creates a data service over a fresh in-memory database
func WithDataService(t *testing.T) *DataServiceFixture {
	dbFixture := database.UseFreshInMemoryDatabase(t)
	return &DataServiceFixture{
		Service: NewDataService(dbFixture.DB, compiler.NewCWLFrontend()),
		DB:      dbFixture.DB,
		Cleanup: dbFixture.Cleanup,
	}
}
