package mysql

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/persistence/test"
	"github.com/google/uuid"
)

const (
	user     = "root"
	password = "root"
)

func Test_MysqlStore(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	dbName := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	test.ProviderTest(t, func() persistence.Provider {
		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@/?parseTime=true&interpolateParams=true", user, password))
		if err != nil {
			panic(err)
		}

		if _, err := db.Exec("DROP DATABASE IF EXISTS " + dbName); err != nil {
			panic(fmt.Errorf("dropping database: %w", err))
		}

		if _, err := db.Exec("CREATE DATABASE " + dbName); err != nil {
			panic(fmt.Errorf("creating database: %w", err))
		}

		if err := db.Close(); err != nil {
			panic(err)
		}

		return NewMysqlStore("localhost", 3306, user, password, dbName)
	}, func(p persistence.Provider) {
		if err := p.Close(); err != nil {
			panic(err)
		}

		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@/?parseTime=true&interpolateParams=true", user, password))
		if err != nil {
			panic(err)
		}

		if _, err := db.Exec("DROP DATABASE IF EXISTS " + dbName); err != nil {
			panic(fmt.Errorf("dropping database: %w", err))
		}

		if err := db.Close(); err != nil {
			panic(err)
		}
	})
}
