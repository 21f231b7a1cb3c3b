package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// Indexes lists the secondary indexes of every table.
func (t Tables) Indexes() map[string][]string {
	return map[string][]string{
		t.Jobs:    {"owner_id", "status", "created_at"},
		t.Stages:  {"job_id"},
		t.Files:   {"owner_id", "created_at"},
		t.Results: {"job_id", "created_at"},
		t.Logs:    {"job_id", "created_at"},
	}
}

// EnsureSchema creates the database, the tables and their indexes when missing. It is safe
// to run on every start.
func EnsureSchema(ctx context.Context, session *r.Session, dbName string, tables Tables, logger *zap.Logger) error {
	runOpts := r.RunOpts{Context: ctx}

	dbList, err := listStrings(r.DBList(), session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to list databases: %w", err)
	}
	if !slices.Contains(dbList, dbName) {
		logger.Info("Creating database", zap.String("db", dbName))
		if _, err := r.DBCreate(dbName).RunWrite(session, runOpts); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}
	session.Use(dbName)

	tableList, err := listStrings(r.DB(dbName).TableList(), session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	for table, indexes := range tables.Indexes() {
		if !slices.Contains(tableList, table) {
			logger.Info("Creating table", zap.String("table", table))
			if _, err := r.DB(dbName).TableCreate(table).RunWrite(session, runOpts); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
		}
		if err := createIndexes(ctx, session, dbName, table, indexes); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(ctx context.Context, session *r.Session, dbName, table string, indexes []string) error {
	runOpts := r.RunOpts{Context: ctx}
	for _, index := range indexes {
		_, err := r.DB(dbName).Table(table).IndexCreate(index).RunWrite(session, runOpts)
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create index %s.%s: %w", table, index, err)
		}
	}
	if _, err := r.DB(dbName).Table(table).IndexWait().RunWrite(session, runOpts); err != nil {
		return fmt.Errorf("failed to wait for indexes on %s: %w", table, err)
	}
	return nil
}

func listStrings(term r.Term, session *r.Session, opts r.RunOpts) ([]string, error) {
	cursor, err := term.Run(session, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var out []string
	if err := cursor.All(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}
