package sqlutil

import (
	"database/sql"
	"fmt"
	"time"
)

// Helper functions for converting between Go types and nullable SQL columns

// ToSqlTime converts a Go time pointer to sql.NullTime
func ToSqlTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *val, Valid: true}
}

// FromSqlTime converts sql.NullTime to Go time pointer
func FromSqlTime(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

// ToSqlTimeText converts a Go time pointer to a nullable RFC 3339 string, for
// drivers that store instants as text.
func ToSqlTimeText(val *time.Time) sql.NullString {
	if val == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: val.UTC().Format(time.RFC3339Nano), Valid: true}
}

// FromSqlTimeText parses a nullable RFC 3339 string back to a Go time pointer
func FromSqlTimeText(val sql.NullString) (*time.Time, error) {
	if !val.Valid || val.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, val.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", val.String, err)
	}
	return &t, nil
}

// ToSqlBool converts a Go bool to the integer form used by SQLite
func ToSqlBool(val bool) int64 {
	if val {
		return 1
	}
	return 0
}
