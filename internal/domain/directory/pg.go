package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/adt/internal/domain/admission"
	"github.com/ehr/adt/internal/platform/db"
)

// PGDirectory reads the tenant's patient and practitioner tables.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (d *PGDirectory) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return d.pool
}

func (d *PGDirectory) GetSnapshot(ctx context.Context, patientID string) (admission.PatientSnapshot, error) {
	var (
		s        admission.PatientSnapshot
		dob      *time.Time
		guardian []byte
	)
	err := d.conn(ctx).QueryRow(ctx, `
		SELECT name, cnic, gender, date_of_birth, address, guardian
		FROM patient WHERE id = $1 AND NOT deleted`, patientID).
		Scan(&s.Name, &s.CNIC, &s.Gender, &dob, &s.Address, &guardian)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admission.PatientSnapshot{}, admission.ErrPatientNotFound
		}
		return admission.PatientSnapshot{}, fmt.Errorf("load patient: %w", err)
	}
	if dob != nil {
		v := dob.Format("2006-01-02")
		s.DateOfBirth = &v
	}
	if len(guardian) > 0 && string(guardian) != "null" {
		var g admission.Guardian
		if err := json.Unmarshal(guardian, &g); err != nil {
			return admission.PatientSnapshot{}, fmt.Errorf("decode guardian: %w", err)
		}
		s.Guardian = &g
	}
	return s, nil
}

func (d *PGDirectory) Exists(ctx context.Context, doctorID string) (bool, error) {
	var ok bool
	err := d.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM practitioner WHERE id = $1 AND active)`, doctorID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check practitioner: %w", err)
	}
	return ok, nil
}
