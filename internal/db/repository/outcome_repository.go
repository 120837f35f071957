package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kscalelabs/kodachrome/internal/db"
	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/internal/util"
	"github.com/kscalelabs/kodachrome/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrOutcomeNotFound is returned by GetOutcome for an unknown job id.
var ErrOutcomeNotFound = errors.New("outcome not found")

const schema = `
CREATE TABLE IF NOT EXISTS eval_outcomes (
	job_id        UUID PRIMARY KEY,
	subject       TEXT NOT NULL,
	profile       TEXT NOT NULL,
	robot         TEXT NOT NULL DEFAULT '',
	caller        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	exit_code     INTEGER,
	error_detail  TEXT NOT NULL DEFAULT '',
	artifact_path TEXT NOT NULL DEFAULT '',
	report_url    TEXT NOT NULL DEFAULT '',
	start_time    TIMESTAMPTZ,
	end_time      TIMESTAMPTZ,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS eval_outcomes_subject_idx ON eval_outcomes (subject);
`

const outcomeColumns = `
	job_id,
	subject,
	profile,
	robot,
	caller,
	status,
	exit_code,
	error_detail,
	artifact_path,
	report_url,
	start_time,
	end_time,
	duration_ms`

// ListLimit is the page size of ListOutcomes.
const ListLimit = 25

type OutcomeRepository struct {
	db *db.DB
}

func NewOutcomeRepository(db *db.DB) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

func (r *OutcomeRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create eval_outcomes: %w", err)
	}
	return nil
}

// InsertOutcome stores one row per job. A second insert for the same job is
// ignored.
func (r *OutcomeRepository) InsertOutcome(ctx context.Context, o model.Outcome) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/InsertOutcome")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("status", string(o.Status)), attribute.String("id", o.JobID.String())),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO eval_outcomes (`+outcomeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (job_id) DO NOTHING
	`,
		o.JobID,
		o.Subject,
		o.Profile,
		o.Robot,
		o.Caller,
		string(o.Status),
		o.ExitCode,
		o.ErrorDetail,
		o.ArtifactPath,
		o.ReportURL,
		o.StartTime,
		o.EndTime,
		o.Duration.Milliseconds(),
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *OutcomeRepository) GetOutcome(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetOutcome")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM eval_outcomes WHERE job_id = $1`, id)
	o, err := scanOutcome(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Outcome{}, fmt.Errorf("%w: %s", ErrOutcomeNotFound, id)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return model.Outcome{}, err
	}
	return o, nil
}

// ListOutcomes returns up to ListLimit outcomes, newest job first. Pass the last
// job id of the previous page as before to continue; uuid.Nil starts from the top.
func (r *OutcomeRepository) ListOutcomes(ctx context.Context, before uuid.UUID) ([]model.Outcome, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListOutcomes")
	defer span.End()

	var (
		query string
		args  []any
	)
	if before == uuid.Nil {
		query = `SELECT ` + outcomeColumns + ` FROM eval_outcomes ORDER BY job_id DESC LIMIT $1`
		args = append(args, ListLimit)
	} else {
		query = `SELECT ` + outcomeColumns + ` FROM eval_outcomes WHERE job_id < $1 ORDER BY job_id DESC LIMIT $2`
		args = append(args, before, ListLimit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return outcomes, nil
}

func scanOutcome(row pgx.Row) (model.Outcome, error) {
	var (
		o          model.Outcome
		status     string
		durationMS int64
	)
	err := row.Scan(
		&o.JobID,
		&o.Subject,
		&o.Profile,
		&o.Robot,
		&o.Caller,
		&status,
		&o.ExitCode,
		&o.ErrorDetail,
		&o.ArtifactPath,
		&o.ReportURL,
		&o.StartTime,
		&o.EndTime,
		&durationMS,
	)
	if err != nil {
		return model.Outcome{}, err
	}
	o.Status = model.JobStatus(status)
	o.Duration = time.Duration(durationMS) * time.Millisecond
	return o, nil
}
