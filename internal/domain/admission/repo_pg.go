package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/adt/internal/platform/db"
)

// Partial unique indexes from the admission migration.
const (
	activePatientIndex = "admission_active_patient_idx"
	activeBedIndex     = "admission_active_bed_idx"
)

type repoPG struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, dialect: goqu.Dialect("postgres")}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const admCols = `id, patient_id, patient,
	admission_date, admitting_doctor, admitting_doctor_id, diagnosis, admission_type, discharge_date,
	ward_type, ward_number, bed_number, ward_ref,
	fee, discount, total_charges, daily_charges, payment_status,
	status, deleted, deleted_reason, version_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	patient, daily, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO admission (
			id, patient_id, patient,
			admission_date, admitting_doctor, admitting_doctor_id, diagnosis, admission_type, discharge_date,
			ward_type, ward_number, bed_number, ward_ref,
			fee, discount, total_charges, daily_charges, payment_status,
			status, deleted, deleted_reason, version_id
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
			$14,$15,$16,$17,$18,$19,false,'',1
		)
		RETURNING version_id, created_at, updated_at`,
		rec.ID, rec.PatientID, patient,
		rec.Details.AdmissionDate, rec.Details.AdmittingDoctor, rec.Details.AdmittingDoctorID,
		rec.Details.Diagnosis, rec.Details.AdmissionType, rec.Details.DischargeDate,
		rec.Assignment.WardType, rec.Assignment.WardNumber, rec.Assignment.BedNumber, rec.Assignment.WardRef,
		rec.Financials.Fee, rec.Financials.Discount, rec.Financials.TotalCharges, daily, rec.Financials.PaymentStatus,
		rec.Status,
	).Scan(&rec.VersionID, &rec.CreatedAt, &rec.UpdatedAt)
	return translateErr(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+admCols+` FROM admission WHERE id = $1`, id))
}

func (r *repoPG) GetActiveByPatient(ctx context.Context, patientID string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+admCols+` FROM admission WHERE patient_id = $1 AND status = 'Admitted' AND NOT deleted`, patientID))
}

func (r *repoPG) GetAdmittedByPatient(ctx context.Context, patientID string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+admCols+` FROM admission WHERE patient_id = $1 AND status = 'Admitted'`, patientID))
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	patient, daily, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE admission SET
			patient=$3,
			admission_date=$4, admitting_doctor=$5, admitting_doctor_id=$6, diagnosis=$7,
			admission_type=$8, discharge_date=$9,
			ward_type=$10, ward_number=$11, bed_number=$12, ward_ref=$13,
			fee=$14, discount=$15, total_charges=$16, daily_charges=$17, payment_status=$18,
			status=$19, deleted=$20, deleted_reason=$21,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		rec.ID, rec.VersionID, patient,
		rec.Details.AdmissionDate, rec.Details.AdmittingDoctor, rec.Details.AdmittingDoctorID, rec.Details.Diagnosis,
		rec.Details.AdmissionType, rec.Details.DischargeDate,
		rec.Assignment.WardType, rec.Assignment.WardNumber, rec.Assignment.BedNumber, rec.Assignment.WardRef,
		rec.Financials.Fee, rec.Financials.Discount, rec.Financials.TotalCharges, daily, rec.Financials.PaymentStatus,
		rec.Status, rec.Deleted, rec.DeletedReason,
	).Scan(&rec.VersionID, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return translateErr(err)
}

// List builds the filtered query with goqu and runs it through pgx.
func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Record, int, error) {
	ds := r.dialect.From("admission").Prepared(true)

	if !f.IncludeDeleted {
		ds = ds.Where(goqu.C("deleted").IsFalse())
	}
	if f.WardType != "" {
		ds = ds.Where(goqu.C("ward_type").Eq(f.WardType))
	}
	if f.WardNumber != "" {
		ds = ds.Where(goqu.C("ward_number").Eq(f.WardNumber))
	}
	if f.AdmissionType != "" {
		ds = ds.Where(goqu.C("admission_type").Eq(f.AdmissionType))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		ds = ds.Where(goqu.Or(
			goqu.L("patient->>'name'").ILike(pattern),
			goqu.L("patient->>'cnic'").ILike(pattern),
			goqu.C("patient_id").ILike(pattern),
		))
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, args, err := ds.Select(goqu.L(admCols)).
		Order(goqu.C("admission_date").Desc(), goqu.C("id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	recs, err := collectRecords(rows)
	return recs, total, err
}

func (r *repoPG) ListAdmitted(ctx context.Context) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+admCols+` FROM admission WHERE status = 'Admitted' ORDER BY ward_number, bed_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func encodeJSON(rec *Record) ([]byte, []byte, error) {
	patient, err := json.Marshal(rec.Patient)
	if err != nil {
		return nil, nil, fmt.Errorf("encode patient snapshot: %w", err)
	}
	charges := rec.Financials.DailyCharges
	if charges == nil {
		charges = []DailyCharge{}
	}
	daily, err := json.Marshal(charges)
	if err != nil {
		return nil, nil, fmt.Errorf("encode daily charges: %w", err)
	}
	return patient, daily, nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case activePatientIndex:
			return ErrDuplicateActive
		case activeBedIndex:
			return ErrBedAssigned
		}
	}
	return err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var patient, daily []byte
	err := row.Scan(&rec.ID, &rec.PatientID, &patient,
		&rec.Details.AdmissionDate, &rec.Details.AdmittingDoctor, &rec.Details.AdmittingDoctorID,
		&rec.Details.Diagnosis, &rec.Details.AdmissionType, &rec.Details.DischargeDate,
		&rec.Assignment.WardType, &rec.Assignment.WardNumber, &rec.Assignment.BedNumber, &rec.Assignment.WardRef,
		&rec.Financials.Fee, &rec.Financials.Discount, &rec.Financials.TotalCharges, &daily, &rec.Financials.PaymentStatus,
		&rec.Status, &rec.Deleted, &rec.DeletedReason, &rec.VersionID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(patient) > 0 {
		if err := json.Unmarshal(patient, &rec.Patient); err != nil {
			return nil, fmt.Errorf("decode patient snapshot: %w", err)
		}
	}
	if len(daily) > 0 {
		if err := json.Unmarshal(daily, &rec.Financials.DailyCharges); err != nil {
			return nil, fmt.Errorf("decode daily charges: %w", err)
		}
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
