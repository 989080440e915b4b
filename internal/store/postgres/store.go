// Package postgres is the PostgreSQL Repository. Row writes use plain SQL;
// the filter queries are built with goqu.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var dialect = goqu.Dialect("postgres")

var tokenColumns = []string{
	"token_id", "token_number", "patient_id", "doctor_id", "department_id", "hospital_id",
	"priority", "status", "scheduled_time", "queue_day", "queue_position",
	"estimated_wait_minutes", "eta_updated_at",
	"check_in_time", "check_in_latitude", "check_in_longitude", "called_time",
	"consultation_start_time", "consultation_end_time",
	"visit_reason", "notes", "cancellation_reason", "reminder_sent",
	"created_at", "updated_at",
}

var selectToken = "SELECT " + strings.Join(tokenColumns, ", ") + " FROM tokens"

const doctorColumns = "doctor_id, hospital_id, name, specialization, primary_department_id, avg_consultation_minutes, max_tokens_per_session, status"

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type Options struct {
	// Now stamps created_at and updated_at. Defaults to time.Now.
	Now func() time.Time
}

var _ store.Repository = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, now: now}
}

// Connect opens a pool and checks the database answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Store) FindToken(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := scanToken(s.pool.QueryRow(ctx, selectToken+" WHERE token_id = $1", tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, err
}

func (s *Store) FindActiveTokensForDoctor(ctx context.Context, doctorID string, statuses []models.Status, window models.TimeRange) ([]models.Token, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	where := append([]exp.Expression{
		goqu.Ex{"doctor_id": doctorID, "status": statusValues(statuses)},
	}, windowOn("scheduled_time", window)...)
	return s.queryTokens(ctx, tokensWhere(where).Order(
		goqu.C("queue_day").Asc(), goqu.C("queue_position").Asc(), goqu.C("token_id").Asc()))
}

func (s *Store) FindCompletedTokensForDoctor(ctx context.Context, doctorID string, window models.TimeRange) ([]models.Token, error) {
	where := append([]exp.Expression{
		goqu.Ex{"doctor_id": doctorID, "status": string(models.StatusCompleted)},
		goqu.C("consultation_end_time").IsNotNull(),
	}, windowOn("consultation_end_time", window)...)
	return s.queryTokens(ctx, tokensWhere(where).Order(
		goqu.C("queue_day").Asc(), goqu.C("queue_position").Asc(), goqu.C("token_id").Asc()))
}

func (s *Store) CountActiveForDoctor(ctx context.Context, doctorID string, window models.TimeRange) (int, error) {
	where := append([]exp.Expression{
		goqu.Ex{"doctor_id": doctorID, "status": statusValues(models.ActiveStatuses)},
	}, windowOn("scheduled_time", window)...)
	return s.count(ctx, where)
}

func (s *Store) CountScheduledToday(ctx context.Context, doctorID string, day models.TimeRange) (int, error) {
	where := append([]exp.Expression{
		goqu.Ex{"doctor_id": doctorID},
		goqu.C("status").NotIn(string(models.StatusCompleted), string(models.StatusCancelled), string(models.StatusNoShow)),
	}, windowOn("scheduled_time", day)...)
	return s.count(ctx, where)
}

func (s *Store) ListTokensDue(ctx context.Context, query store.DueQuery) ([]models.Token, error) {
	if len(query.Statuses) == 0 {
		return nil, nil
	}
	where := append([]exp.Expression{
		goqu.Ex{"status": statusValues(query.Statuses)},
	}, windowOn("scheduled_time", query.Window)...)
	if query.OnlyUnreminded {
		where = append(where, goqu.Ex{"reminder_sent": false})
	}
	ds := tokensWhere(where).Order(goqu.C("scheduled_time").Asc(), goqu.C("token_id").Asc())
	if query.Limit > 0 {
		ds = ds.Limit(uint(query.Limit))
	}
	return s.queryTokens(ctx, ds)
}

func (s *Store) ListDoctorsWithActiveTokens(ctx context.Context, window models.TimeRange) ([]string, error) {
	where := append([]exp.Expression{
		goqu.Ex{"status": statusValues(models.ActiveStatuses)},
	}, windowOn("scheduled_time", window)...)
	query, args, err := dialect.From("tokens").Prepared(true).
		SelectDistinct("doctor_id").
		Where(where...).
		Order(goqu.C("doctor_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build doctors query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateToken inserts token under the doctor's advisory lock. A position
// already held by another active token fails with ErrConcurrencyConflict.
func (s *Store) CreateToken(ctx context.Context, token models.Token) (created models.Token, err error) {
	if token.TokenID == "" {
		return models.Token{}, fmt.Errorf("%w: token id is required", store.ErrValidation)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token.DoctorID); err != nil {
		return models.Token{}, err
	}

	now := s.now().UTC()
	token.CreatedAt = now
	token.UpdatedAt = now
	notes, err := notesJSON(token.Notes)
	if err != nil {
		return models.Token{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tokens (
			token_id, token_number, patient_id, doctor_id, department_id, hospital_id,
			priority, status, scheduled_time, queue_day, queue_position,
			estimated_wait_minutes, visit_reason, notes, reminder_sent, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, token.TokenID, token.TokenNumber, token.PatientID, token.DoctorID, token.DepartmentID, token.HospitalID,
		int(token.Priority), string(token.Status), token.ScheduledTime, token.QueueDay, token.QueuePosition,
		token.EstimatedWaitMinutes, token.VisitReason, notes, token.ReminderSent, token.CreatedAt, token.UpdatedAt)
	if err = mapWriteError(err); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

// UpdateToken locks the row, checks the patch expectations against it and
// writes the patched token back.
func (s *Store) UpdateToken(ctx context.Context, tokenID string, patch store.TokenPatch) (updated models.Token, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanToken(tx.QueryRow(ctx, selectToken+" WHERE token_id = $1 FOR UPDATE", tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		err = store.ErrTokenNotFound
		return models.Token{}, err
	}
	if err != nil {
		return models.Token{}, err
	}
	if !patch.Matches(current) {
		err = store.ErrConcurrencyConflict
		return models.Token{}, err
	}

	next := current.Clone()
	patch.Apply(&next)
	next.UpdatedAt = s.now().UTC()
	notes, err := notesJSON(next.Notes)
	if err != nil {
		return models.Token{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE tokens SET
			doctor_id = $2, status = $3, queue_day = $4, queue_position = $5,
			estimated_wait_minutes = $6, eta_updated_at = $7,
			check_in_time = $8, check_in_latitude = $9, check_in_longitude = $10,
			called_time = $11, consultation_start_time = $12, consultation_end_time = $13,
			notes = $14, cancellation_reason = $15, reminder_sent = $16, updated_at = $17
		WHERE token_id = $1
	`, tokenID, next.DoctorID, string(next.Status), next.QueueDay, next.QueuePosition,
		next.EstimatedWaitMinutes, next.ETAUpdatedAt,
		next.CheckInTime, next.CheckInLatitude, next.CheckInLongitude,
		next.CalledTime, next.ConsultationStartTime, next.ConsultationEndTime,
		notes, next.CancellationReason, next.ReminderSent, next.UpdatedAt)
	if err = mapWriteError(err); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return next, nil
}

func (s *Store) NextQueuePosition(ctx context.Context, doctorID, queueDay string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queue_sequences (doctor_id, queue_day, next_position)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, queue_day)
		DO UPDATE SET next_position = queue_sequences.next_position + 1
		RETURNING next_position
	`, doctorID, queueDay)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) FindDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	doctor, err := scanDoctor(s.pool.QueryRow(ctx, "SELECT "+doctorColumns+" FROM doctors WHERE doctor_id = $1", doctorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	return doctor, err
}

func (s *Store) FindActiveDoctorsInDepartment(ctx context.Context, departmentID, excludingDoctorID string) ([]models.Doctor, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+doctorColumns+`
		FROM doctors
		WHERE primary_department_id = $1 AND status = $2 AND doctor_id <> $3
		ORDER BY doctor_id ASC
	`, departmentID, string(models.DoctorAvailable), excludingDoctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var doctors []models.Doctor
	for rows.Next() {
		doctor, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		doctors = append(doctors, doctor)
	}
	return doctors, rows.Err()
}

func (s *Store) UpdateDoctorStatus(ctx context.Context, doctorID string, status models.DoctorStatus) (models.Doctor, error) {
	doctor, err := scanDoctor(s.pool.QueryRow(ctx,
		"UPDATE doctors SET status = $2 WHERE doctor_id = $1 RETURNING "+doctorColumns,
		doctorID, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	return doctor, err
}

func (s *Store) FindDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	var d models.Department
	err := s.pool.QueryRow(ctx, `
		SELECT department_id, hospital_id, name, code, avg_consultation_minutes, buffer_minutes
		FROM departments WHERE department_id = $1
	`, departmentID).Scan(&d.DepartmentID, &d.HospitalID, &d.Name, &d.Code, &d.AvgConsultationMinutes, &d.BufferMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	return d, err
}

func (s *Store) FindHospital(ctx context.Context, hospitalID string) (models.Hospital, error) {
	var h models.Hospital
	err := s.pool.QueryRow(ctx, `
		SELECT hospital_id, name, latitude, longitude, geofence_radius_meters
		FROM hospitals WHERE hospital_id = $1
	`, hospitalID).Scan(&h.HospitalID, &h.Name, &h.Latitude, &h.Longitude, &h.GeofenceRadiusMeters)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Hospital{}, store.ErrHospitalNotFound
	}
	return h, err
}

func tokensWhere(where []exp.Expression) *goqu.SelectDataset {
	cols := make([]any, len(tokenColumns))
	for i, c := range tokenColumns {
		cols[i] = c
	}
	return dialect.From("tokens").Prepared(true).Select(cols...).Where(where...)
}

func (s *Store) queryTokens(ctx context.Context, ds *goqu.SelectDataset) ([]models.Token, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build token query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Store) count(ctx context.Context, where []exp.Expression) (int, error) {
	query, args, err := dialect.From("tokens").Prepared(true).
		Select(goqu.COUNT("*")).
		Where(where...).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// windowOn bounds column by the range. Zero ends are open.
func windowOn(column string, r models.TimeRange) []exp.Expression {
	var out []exp.Expression
	if !r.From.IsZero() {
		out = append(out, goqu.C(column).Gte(r.From))
	}
	if !r.To.IsZero() {
		out = append(out, goqu.C(column).Lte(r.To))
	}
	return out
}

func statusValues(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrValidation, pgErr.Detail)
		}
	}
	return err
}

func notesJSON(notes map[string]any) ([]byte, error) {
	if len(notes) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("encode notes: %w", err)
	}
	return raw, nil
}

func scanToken(row pgx.Row) (models.Token, error) {
	var (
		t        models.Token
		priority int
		status   string
		notes    []byte
	)
	err := row.Scan(
		&t.TokenID, &t.TokenNumber, &t.PatientID, &t.DoctorID, &t.DepartmentID, &t.HospitalID,
		&priority, &status, &t.ScheduledTime, &t.QueueDay, &t.QueuePosition,
		&t.EstimatedWaitMinutes, &t.ETAUpdatedAt,
		&t.CheckInTime, &t.CheckInLatitude, &t.CheckInLongitude, &t.CalledTime,
		&t.ConsultationStartTime, &t.ConsultationEndTime,
		&t.VisitReason, &notes, &t.CancellationReason, &t.ReminderSent,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Token{}, err
	}
	t.Priority = models.Priority(priority)
	t.Status = models.Status(status)
	if len(notes) > 0 && string(notes) != "{}" {
		if err := json.Unmarshal(notes, &t.Notes); err != nil {
			return models.Token{}, fmt.Errorf("decode notes for token %s: %w", t.TokenID, err)
		}
	}
	return t, nil
}

func scanDoctor(row pgx.Row) (models.Doctor, error) {
	var (
		d      models.Doctor
		status string
	)
	err := row.Scan(&d.DoctorID, &d.HospitalID, &d.Name, &d.Specialization, &d.PrimaryDepartmentID,
		&d.AvgConsultationMinutes, &d.MaxTokensPerSession, &status)
	if err != nil {
		return models.Doctor{}, err
	}
	d.Status = models.DoctorStatus(status)
	return d, nil
}
