package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mcdev12/livecue/go/internal/dbconfig"
	"github.com/mcdev12/livecue/go/internal/show/backlog"
)

func setupPostgresStore(ctx context.Context, dbCfg dbconfig.Config, key string) (*backlog.PostgresStore, *sql.DB, error) {
	database, err := dbconfig.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, err
	}

	store := backlog.NewPostgresStore(database, key)
	if err := store.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to migrate backlog table: %w", err)
	}
	return store, database, nil
}
