// Package pg implements the stores on PostgreSQL through the pgx stdlib driver.
// The schema is owned by the SQL files under migrations/.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/beaver/internal/store"
)

// OpenDB opens a pooled connection and verifies it with a ping.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by Postgres.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &store.Stores{
		Messages:  NewMessageStore(db),
		Toolcalls: NewToolcallStore(db),
		Close:     db.Close,
	}, nil
}

// classify maps driver errors onto store error kinds using SQLSTATE classes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.NewError(op, store.KindNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return store.NewError(op, store.KindDuplicate, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return store.NewError(op, store.KindTransient, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), strings.HasPrefix(pgErr.Code, "53"):
			return store.NewError(op, store.KindTransient, err)
		}
		return store.NewError(op, store.KindPermanent, err)
	}
	if isConnectionError(err) {
		return store.NewError(op, store.KindTransient, err)
	}
	return store.NewError(op, store.KindPermanent, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "conn closed"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
