package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectRejectsEmptyConnectionStrings(t *testing.T) {
	_, err := ConnectSQL(context.Background(), "sqlserver", "")
	assert.ErrorContains(t, err, "sqlserver connection string is empty")

	_, err = ConnectMongo(context.Background(), "")
	assert.ErrorContains(t, err, "mongo connection string is empty")
}

func TestConnectSQLUnknownDriver(t *testing.T) {
	_, err := ConnectSQL(context.Background(), "oracle", "user/pass@db")
	assert.ErrorContains(t, err, "error opening oracle database")
}
