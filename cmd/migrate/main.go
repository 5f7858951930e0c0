// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("Migrating %s database %s...\n", cfg.Database.Driver, cfg.Database.Database)

	if err := db.AutoMigrate(); err != nil {
		fmt.Printf("Migration failed: %v\n", err)
		os.Exit(1)
	}

	if err := db.ValidateSchema(); err != nil {
		fmt.Printf("Schema validation failed after migration: %v\n", err)
		os.Exit(1)
	}

	// Registering the site up front fixes the manager topic before the first start
	site, err := db.EnsureSite(context.Background(), cfg.Manager.SiteName)
	if err != nil {
		fmt.Printf("Site registration failed: %v\n", err)
		os.Exit(1)
	}

	topicID := cfg.Manager.TopicID
	if topicID == "" {
		topicID = protocol.TopicIDFromUUID(site.ID)
	}
	fmt.Printf("Database ready. Site %s (%s), manager topic %s\n",
		site.Name, site.ID, protocol.Topic(cfg.Transport.Exchange, protocol.RoleManager, topicID))
}
