// Package postgres implements the order and account repositories on
// PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgtype"
	shopspring "github.com/jackc/pgtype/ext/shopspring-numeric"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/util"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const migrationsDir = "migrations"

// DB is a connection pool with the schema migrated to the latest version.
type DB struct {
	pool  *pgxpool.Pool
	clock util.Clock
	log   *zap.SugaredLogger
}

func Open(ctx context.Context, dsn string, clock util.Clock, log *zap.SugaredLogger) (*DB, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "stockmatch"
	registerNumericType(poolConfig)

	if err := migrate(poolConfig, log); err != nil {
		return nil, err
	}

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	log.Infow("postgres_connected", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return &DB{pool: pool, clock: clock, log: log}, nil
}

func (d *DB) Close() { d.pool.Close() }

// registerNumericType loads numeric columns as shopspring decimals.
func registerNumericType(poolConfig *pgxpool.Config) {
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		conn.ConnInfo().RegisterDataType(pgtype.DataType{
			Value: &shopspring.Numeric{},
			Name:  "numeric",
			OID:   pgtype.NumericOID,
		})
		return nil
	}
}

func migrate(poolConfig *pgxpool.Config, log *zap.SugaredLogger) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{log.Named("db_migration")})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db := stdlib.OpenDB(*poolConfig.ConnConfig)
	defer db.Close()

	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("error migrating sql schema: %w", err)
	}
	return nil
}

// gooseLogger adapts zap to goose.Logger.
type gooseLogger struct{ log *zap.SugaredLogger }

func (l gooseLogger) Fatal(v ...interface{})                 { l.log.Fatal(v...) }
func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.log.Fatalf(format, v...) }
func (l gooseLogger) Print(v ...interface{})                 { l.log.Info(v...) }
func (l gooseLogger) Println(v ...interface{})               { l.log.Info(v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Infof(strings.TrimSuffix(format, "\n"), v...)
}

// nextBindVar appends value to args and returns its placeholder.
func nextBindVar(args *[]interface{}, value interface{}) string {
	*args = append(*args, value)
	return "$" + fmt.Sprint(len(*args))
}
