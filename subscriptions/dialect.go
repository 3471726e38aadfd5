package subscriptions

import "fmt"

// Dialect holds the few statements that differ between MySQL and SQLite.
// Everything else is plain SQL with '?' placeholders shared by both drivers.
type Dialect struct {
	Name         string
	insertIgnore string
	mysqlUpsert  bool
}

var (
	MySQL  = Dialect{Name: "mysql", insertIgnore: "INSERT IGNORE", mysqlUpsert: true}
	SQLite = Dialect{Name: "sqlite", insertIgnore: "INSERT OR IGNORE"}
)

// DialectFor maps a database/sql driver name to its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("subscriptions: unsupported driver %q", driver)
}

// onConflict opens the upsert clause keyed on col.
func (d Dialect) onConflict(col string) string {
	if d.mysqlUpsert {
		return "ON DUPLICATE KEY UPDATE"
	}
	return "ON CONFLICT(" + col + ") DO UPDATE SET"
}

// excluded references the value an upsert tried to insert for col.
func (d Dialect) excluded(col string) string {
	if d.mysqlUpsert {
		return "VALUES(" + col + ")"
	}
	return "excluded." + col
}

// insertOrKeep inserts into table unless key already exists. MySQL uses a
// no-op upsert rather than INSERT IGNORE: a duplicate then takes an exclusive
// row lock instead of a shared one, so a later UPDATE of that row in the same
// transaction cannot deadlock against a concurrent caller.
func (d Dialect) insertOrKeep(table, key string) string {
	if d.mysqlUpsert {
		return "INSERT INTO " + table + " ON DUPLICATE KEY UPDATE " + key + " = " + key
	}
	return "INSERT OR IGNORE INTO " + table
}
