package authority

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/certifier/db"
	"github.com/teranos/certifier/errors"
)

// Issuance is one ledger row.
type Issuance struct {
	Serial       int64
	RequestTag   string
	Subject      string
	KeyID        string
	Measurement  string
	Purpose      string
	EvidenceType string
	NotAfter     time.Time
	CreatedAt    time.Time
}

// Ledger records every artifact the authority grants. Certificate serial
// numbers are ledger row ids.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps a migrated database.
func NewLedger(conn *sql.DB) *Ledger {
	return &Ledger{db: conn}
}

// Issue records rec and calls issue with the allocated serial inside the
// same transaction. The row is rolled back if issue fails.
func (l *Ledger) Issue(ctx context.Context, rec Issuance, issue func(serial int64) error) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, l.wrap(err, "begin issuance")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO issuances (request_tag, subject, key_id, measurement, purpose, evidence_type, not_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestTag, rec.Subject, rec.KeyID, rec.Measurement, rec.Purpose, rec.EvidenceType, rec.NotAfter.UTC(),
	)
	if err != nil {
		tx.Rollback()
		return 0, l.wrap(err, "record issuance")
	}
	serial, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, l.wrap(err, "allocate serial")
	}

	if err := issue(serial); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, l.wrap(err, "commit issuance")
	}
	return serial, nil
}

// Get returns the issuance with the given serial.
func (l *Ledger) Get(ctx context.Context, serial int64) (*Issuance, error) {
	var rec Issuance
	err := l.db.QueryRowContext(ctx,
		`SELECT serial, request_tag, subject, key_id, measurement, purpose, evidence_type, not_after, created_at
		 FROM issuances WHERE serial = ?`, serial,
	).Scan(&rec.Serial, &rec.RequestTag, &rec.Subject, &rec.KeyID, &rec.Measurement,
		&rec.Purpose, &rec.EvidenceType, &rec.NotAfter, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Newf("no issuance with serial %d", serial)
	}
	if err != nil {
		return nil, l.wrap(err, "load issuance")
	}
	return &rec, nil
}

// Count returns the number of recorded issuances.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM issuances").Scan(&n); err != nil {
		return 0, l.wrap(err, "count issuances")
	}
	return n, nil
}

func (l *Ledger) wrap(err error, msg string) error {
	if db.IsDatabaseClosed(err) {
		return errors.Mark(errors.Wrap(err, msg), db.ErrDatabaseClosed)
	}
	return errors.Wrap(err, msg)
}
