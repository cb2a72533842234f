package etl

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
	"github.com/BartekS5/possync/pkg/utils"
)

// Dialect holds the identifier quoting and placeholder rules of a SQL warehouse.
type Dialect struct {
	Name        string
	Quote       func(ident string) string
	Placeholder func(n int) string
	// Terminator ends a MERGE statement; SQL Server requires a semicolon.
	Terminator string
}

var (
	SQLServer = Dialect{
		Name:        "sqlserver",
		Quote:       func(s string) string { return "[" + strings.ReplaceAll(s, "]", "]]") + "]" },
		Placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		Terminator:  ";",
	}
	Snowflake = Dialect{
		Name:        "snowflake",
		Quote:       func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` },
		Placeholder: func(int) string { return "?" },
	}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case SQLServer.Name:
		return SQLServer, nil
	case Snowflake.Name:
		return Snowflake, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
}

// SQLLoader merges records into existing warehouse tables. Tables are not created.
type SQLLoader struct {
	DB      *sql.DB
	Dialect Dialect
	log     *logger.Logger
}

func NewSQLLoader(db *sql.DB, dialect Dialect, log *logger.Logger) *SQLLoader {
	return &SQLLoader{DB: db, Dialect: dialect, log: log}
}

func sortedColumns(rec models.Record) []string {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// MergeStatement builds a MERGE keyed on primaryKey for the given columns.
func (d Dialect) MergeStatement(table string, primaryKey, columns []string) string {
	isKey := make(map[string]bool, len(primaryKey))
	for _, k := range primaryKey {
		isKey[k] = true
	}

	selects := make([]string, len(columns))
	inserts := make([]string, len(columns))
	values := make([]string, len(columns))
	var updates []string
	for i, c := range columns {
		q := d.Quote(c)
		selects[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i+1), q)
		inserts[i] = q
		values[i] = "src." + q
		if !isKey[c] {
			updates = append(updates, fmt.Sprintf("tgt.%s = src.%s", q, q))
		}
	}
	on := make([]string, len(primaryKey))
	for i, k := range primaryKey {
		q := d.Quote(k)
		on[i] = fmt.Sprintf("tgt.%s = src.%s", q, q)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING (SELECT %s) AS src ON %s",
		d.Quote(table), strings.Join(selects, ", "), strings.Join(on, " AND "))
	if len(updates) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(updates, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)%s",
		strings.Join(inserts, ", "), strings.Join(values, ", "), d.Terminator)
	return b.String()
}

// DeleteStatement builds a DELETE matching every primary key column.
func (d Dialect) DeleteStatement(table string, primaryKey []string) string {
	where := make([]string, len(primaryKey))
	for i, k := range primaryKey {
		where[i] = fmt.Sprintf("%s = %s", d.Quote(k), d.Placeholder(i+1))
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.Quote(table), strings.Join(where, " AND "))
}

// Upsert merges all records of one table inside a single transaction.
func (s *SQLLoader) Upsert(ctx context.Context, table string, primaryKey []string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if _, ok := rec.KeyOf(primaryKey); !ok {
				s.log.Errorf("%s: skipping row with missing primary key", table)
				continue
			}
			cols := sortedColumns(rec)
			args := make([]any, len(cols))
			for i, c := range cols {
				args[i] = utils.NativeValue(rec[c])
			}
			if _, err := tx.ExecContext(ctx, s.Dialect.MergeStatement(table, primaryKey, cols), args...); err != nil {
				return fmt.Errorf("merge into %s: %w", table, err)
			}
		}
		s.log.Infof("%s: merged %d rows", table, len(records))
		return nil
	})
}

// Delete removes rows by primary key inside a single transaction.
func (s *SQLLoader) Delete(ctx context.Context, table string, primaryKey []string, keys []models.PrimaryKey) error {
	if len(keys) == 0 {
		return nil
	}
	stmt := s.Dialect.DeleteStatement(table, primaryKey)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			args := make([]any, len(primaryKey))
			for i, k := range primaryKey {
				args[i] = utils.NativeValue(key[k])
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		s.log.Infof("%s: deleted %d rows", table, len(keys))
		return nil
	})
}

func (s *SQLLoader) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLLoader) Close(context.Context) error {
	return s.DB.Close()
}
