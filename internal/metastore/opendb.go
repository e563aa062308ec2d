package metastore

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open maps the config-level driver name ("sqlite", "mysql"/"mariadb",
// "postgres") to the database/sql driver the blank imports above register.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite":
		return sql.Open("sqlite", dsn)
	case "mysql", "mariadb":
		return sql.Open("mysql", dsn)
	case "postgres":
		return sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("metastore: unsupported driver %q", driver)
	}
}
