// Package app wires the database, blob store and engine from a Config.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"taskflow/internal/blob"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/engine"
	"taskflow/internal/logutils"
	"taskflow/internal/migrate"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Blobs  blob.Store
	Engine engine.Engine
}

// Open opens and migrates the database and builds the engine. The caller
// must Close the returned App.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := blob.NewDisk(cfg.Uploads.Dir, cfg.Uploads.MaxBytes, cfg.Uploads.AllowedTypes)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logutils.Log.WithFields(logutils.Fields{
		"db":      db.Path(cfg.Database.Path),
		"uploads": cfg.Uploads.Dir,
	}).Debug("app opened")
	return &App{
		Config: cfg,
		DB:     conn,
		Blobs:  store,
		Engine: engine.New(conn, cfg, store),
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
