// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/pgcopydb-go/pgcopydb-go/cmd/flags"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/config"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/db"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
)

// loadConfig assembles a config.Config the way cmd/root.go's viper wiring
// feeds config.FromViper: a config file (if --config was given) merged
// under Defaults(), then overridden by whatever flags/env vars viper has
// bound on top.
func loadConfig() (config.Config, error) {
	if path := flags.ConfigFile(); path != "" {
		fileCfg, err := config.Load(path)
		if err != nil {
			return config.Config{}, errs.UsageError{Reason: err.Error()}
		}
		return fileCfg, nil
	}
	return config.FromViper(), nil
}

// openSide opens a retryable source/target connection, classifying a
// connect failure into errs.ConnectError for Classify/exit-code mapping.
func openSide(ctx context.Context, url, end string) (*db.RDB, error) {
	if url == "" {
		return nil, errs.UsageError{Reason: fmt.Sprintf("%s connection URL is required (--%s or PGCOPYDB_%s_URL)", end, end, end)}
	}
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errs.ConnectError{End: end, Err: err}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errs.ConnectError{End: end, Err: err}
	}
	return &db.RDB{DB: conn}, nil
}

// openStores opens the three role-scoped Catalog Store files under
// cfg.RunDir, creating the directory tree on first run.
func openStores(ctx context.Context, cfg config.Config) (source, filter, target *catalog.Store, err error) {
	source, err = catalog.Open(ctx, cfg.RunDir, catalog.RoleSource)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open source catalog: %w", err)
	}
	filter, err = catalog.Open(ctx, cfg.RunDir, catalog.RoleFilter)
	if err != nil {
		source.Close()
		return nil, nil, nil, fmt.Errorf("open filter catalog: %w", err)
	}
	target, err = catalog.Open(ctx, cfg.RunDir, catalog.RoleTarget)
	if err != nil {
		source.Close()
		filter.Close()
		return nil, nil, nil, fmt.Errorf("open target catalog: %w", err)
	}
	return source, filter, target, nil
}
