package errors

import (
	"errors"
	"fmt"
	"strings"

	legacypgconn "github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const maxDumpChain = 8

// knownConstraints names the column a relay constraint protects, so logs
// read "inbox_events.event_id" instead of an index name.
var knownConstraints = map[string]string{
	"ux_inbox_events_event_id": "inbox_events.event_id",
	"outbox_events_pkey":       "outbox_events.id",
	"inbox_events_pkey":        "inbox_events.id",
}

// ErrorDump flattens an error for structured logs.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`

	Chain []string `json:"chain,omitempty"`

	// Target is "<table>.<column>" when a database constraint on one of the
	// relay tables rejected the write.
	Target string `json:"target,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: StorableText(err.Error(), 0)}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil && len(d.Chain) < maxDumpChain; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var (
		pgxErr    *pgconn.PgError
		legacyErr *legacypgconn.PgError
		pqErr     *pq.Error
	)
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode, d.PGConstraint, d.PGTable = pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName
		d.PGColumn, d.PGDetail, d.PGMessage = pgxErr.ColumnName, pgxErr.Detail, pgxErr.Message
	case errors.As(err, &legacyErr):
		d.PGCode, d.PGConstraint, d.PGTable = legacyErr.Code, legacyErr.ConstraintName, legacyErr.TableName
		d.PGColumn, d.PGDetail, d.PGMessage = legacyErr.ColumnName, legacyErr.Detail, legacyErr.Message
	case errors.As(err, &pqErr):
		d.PGCode, d.PGConstraint, d.PGTable = string(pqErr.Code), pqErr.Constraint, pqErr.Table
		d.PGColumn, d.PGDetail, d.PGMessage = pqErr.Column, pqErr.Detail, pqErr.Message
	}
	d.Target = constraintTarget(d, err.Error())
	return d
}

func constraintTarget(d ErrorDump, msg string) string {
	if target, ok := knownConstraints[d.PGConstraint]; ok {
		return target
	}
	if d.PGTable != "" && d.PGColumn != "" {
		return d.PGTable + "." + d.PGColumn
	}
	// sqlite: "UNIQUE constraint failed: inbox_events.event_id"
	const sqliteUnique = "UNIQUE constraint failed: "
	if i := strings.Index(msg, sqliteUnique); i >= 0 {
		rest := msg[i+len(sqliteUnique):]
		if j := strings.IndexAny(rest, ", \n"); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return ""
}
