// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlsource reads rule documents from a SQL table, see
// schema/rules.sql. MySQL and PostgreSQL are supported through database/sql
// and PostgreSQL also natively through a pgx pool.
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sluice-dev/sluice/datasource"
	"k8s.io/klog/v2"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/lib/pq"              // postgres driver
)

// ProviderName is the name of the sql source provider.
const ProviderName = "sql"

// Drivers accepted in datasource.Options.Driver.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

const (
	selectMySQL    = "SELECT document FROM sluice_rules WHERE scope = ?"
	selectPostgres = "SELECT document FROM sluice_rules WHERE scope = $1"
)

func init() {
	if err := datasource.RegisterProvider(ProviderName, newFromOptions); err != nil {
		klog.Fatalf("Failed to register rule source provider %v: %v", ProviderName, err)
	}
}

// Query returns the statement selecting the document of a scope in the SQL
// dialect of driver.
func Query(driver string) (string, error) {
	switch driver {
	case DriverMySQL:
		return selectMySQL, nil
	case DriverPostgres, DriverPGX:
		return selectPostgres, nil
	}
	return "", fmt.Errorf("sqlsource: unsupported driver %q", driver)
}

// Source polls the row of one scope.
type Source struct {
	scope  string
	poller *datasource.Poller
	close  func() error
}

func newFromOptions(opts datasource.Options) (datasource.Source, error) {
	if opts.Address == "" {
		return nil, errors.New("sqlsource: no database given")
	}
	switch opts.Driver {
	case DriverPGX:
		pool, err := pgxpool.New(context.Background(), opts.Address)
		if err != nil {
			return nil, fmt.Errorf("sqlsource: %v", err)
		}
		s, err := NewPool(pool, opts)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.close = func() error { pool.Close(); return nil }
		return s, nil
	case DriverMySQL, DriverPostgres:
		db, err := sql.Open(opts.Driver, opts.Address)
		if err != nil {
			return nil, fmt.Errorf("sqlsource: %v", err)
		}
		s, err := NewDB(db, opts)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.close = db.Close
		return s, nil
	}
	return nil, fmt.Errorf("sqlsource: unsupported driver %q", opts.Driver)
}

// NewDB returns a source of the scope opts.Target read from db, which speaks
// the dialect of opts.Driver. Closing the source leaves db open.
func NewDB(db *sql.DB, opts datasource.Options) (*Source, error) {
	query, err := Query(opts.Driver)
	if err != nil {
		return nil, err
	}
	return newSource(opts, func(ctx context.Context, scope string) ([]byte, error) {
		var doc []byte
		err := db.QueryRowContext(ctx, query, scope).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return doc, err
	})
}

// NewPool returns a source of the scope opts.Target read from a PostgreSQL
// pool. Closing the source leaves pool open.
func NewPool(pool *pgxpool.Pool, opts datasource.Options) (*Source, error) {
	return newSource(opts, func(ctx context.Context, scope string) ([]byte, error) {
		var doc []byte
		err := pool.QueryRow(ctx, selectPostgres, scope).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return doc, explain(err)
	})
}

func newSource(opts datasource.Options, query func(ctx context.Context, scope string) ([]byte, error)) (*Source, error) {
	if opts.Target == "" {
		return nil, errors.New("sqlsource: no scope given")
	}
	s := &Source{scope: opts.Target, close: func() error { return nil }}
	s.poller = datasource.NewPoller(ProviderName+":"+opts.Target, opts, func(ctx context.Context) ([]byte, error) {
		return query(ctx, s.scope)
	})
	return s, nil
}

// explain annotates the PostgreSQL errors an operator can act on.
func explain(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("table sluice_rules missing, see schema/rules.sql: %w", err)
	}
	return err
}

// Watch implements datasource.Source.
func (s *Source) Watch(ctx context.Context, h datasource.Handler) error {
	return s.poller.Watch(ctx, h)
}

// Close implements datasource.Source.
func (s *Source) Close() error { return s.close() }
