package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// InitSchema creates the tables when they do not exist yet.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// ResetDatabase drops and recreates the database named in dsn through the
// management connection. Development use only.
func ResetDatabase(ctx context.Context, managementDsn string, dsn string) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("failed to parse dsn: %w", err)
	}
	name := pgx.Identifier{cfg.ConnConfig.Database}.Sanitize()

	managementPool, err := pgxpool.New(ctx, managementDsn)
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}
	defer managementPool.Close()

	if _, err := managementPool.Exec(ctx, "DROP DATABASE IF EXISTS "+name); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}
	if _, err := managementPool.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	managementPool.Close()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}
	defer pool.Close()
	return InitSchema(ctx, pool)
}

func timeToPgtype(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func pgtypeToTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func textToPgtype(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// isForeignKeyViolation reports a foreign_key_violation (23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
