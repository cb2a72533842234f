package etl

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
)

func TestMergeStatement(t *testing.T) {
	cols := []string{"id", "name", "price"}

	assert.Equal(t,
		"MERGE INTO [article] AS tgt USING (SELECT @p1 AS [id], @p2 AS [name], @p3 AS [price]) AS src ON tgt.[id] = src.[id]"+
			" WHEN MATCHED THEN UPDATE SET tgt.[name] = src.[name], tgt.[price] = src.[price]"+
			" WHEN NOT MATCHED THEN INSERT ([id], [name], [price]) VALUES (src.[id], src.[name], src.[price]);",
		SQLServer.MergeStatement("article", []string{"id"}, cols))

	assert.Equal(t,
		`MERGE INTO "article" AS tgt USING (SELECT ? AS "id", ? AS "name", ? AS "price") AS src ON tgt."id" = src."id"`+
			` WHEN MATCHED THEN UPDATE SET tgt."name" = src."name", tgt."price" = src."price"`+
			` WHEN NOT MATCHED THEN INSERT ("id", "name", "price") VALUES (src."id", src."name", src."price")`,
		Snowflake.MergeStatement("article", []string{"id"}, cols))
}

func TestMergeStatementKeyOnlyColumns(t *testing.T) {
	stmt := Snowflake.MergeStatement("link", []string{"a", "b"}, []string{"a", "b"})
	assert.NotContains(t, stmt, "WHEN MATCHED")
	assert.Contains(t, stmt, `ON tgt."a" = src."a" AND tgt."b" = src."b"`)
}

func TestDeleteStatement(t *testing.T) {
	assert.Equal(t, "DELETE FROM [inventory] WHERE [articleId] = @p1 AND [warehouseId] = @p2",
		SQLServer.DeleteStatement("inventory", []string{"articleId", "warehouseId"}))
	assert.Equal(t, `DELETE FROM "article" WHERE "id" = ?`,
		Snowflake.DeleteStatement("article", []string{"id"}))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("snowflake")
	require.NoError(t, err)
	assert.Equal(t, "snowflake", d.Name)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestSQLLoaderUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	loader := NewSQLLoader(db, SQLServer, logger.Nop())

	records := []models.Record{
		{"id": json.Number("1"), "name": "Cola"},
		{"id": json.Number("2"), "name": "Water"},
		{"name": "orphan"},
	}
	stmt := regexp.QuoteMeta(SQLServer.MergeStatement("article", []string{"id"}, []string{"id", "name"}))

	mock.ExpectBegin()
	mock.ExpectExec(stmt).WithArgs(int64(1), "Cola").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt).WithArgs(int64(2), "Water").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, loader.Upsert(context.Background(), "article", []string{"id"}, records))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLoaderUpsertRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	loader := NewSQLLoader(db, Snowflake, logger.Nop())

	mock.ExpectBegin()
	mock.ExpectExec("MERGE INTO").WillReturnError(errors.New("table does not exist"))
	mock.ExpectRollback()

	err = loader.Upsert(context.Background(), "article", []string{"id"}, []models.Record{{"id": json.Number("1")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge into article")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLoaderDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	loader := NewSQLLoader(db, Snowflake, logger.Nop())

	stmt := regexp.QuoteMeta(`DELETE FROM "article" WHERE "id" = ?`)
	mock.ExpectBegin()
	mock.ExpectExec(stmt).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	keys := []models.PrimaryKey{{"id": json.Number("7")}}
	require.NoError(t, loader.Delete(context.Background(), "article", []string{"id"}, keys))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLoaderEmptyBatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	loader := NewSQLLoader(db, SQLServer, logger.Nop())

	require.NoError(t, loader.Upsert(context.Background(), "article", []string{"id"}, nil))
	require.NoError(t, loader.Delete(context.Background(), "article", []string{"id"}, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
