package statestore

import "github.com/jmoiron/sqlx"

// sqlxIn expands a query's "IN (?)" placeholder for a slice argument and
// rebinds it for SQLite's "?" bindvar style.
func sqlxIn(query string, args ...interface{}) (string, []interface{}, error) {
	expanded, flatArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(sqlx.QUESTION, expanded), flatArgs, nil
}
