package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Repository persists terminal runs to Postgres for audit and reporting
type Repository struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewRepository connects to the archive database and applies pending
// migrations.
func NewRepository(cfg *config.ArchiveConfig) (*Repository, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errors.NewValidationError("archive DSN is required")
	}

	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to archive database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	repo := &Repository{
		db:     db,
		logger: logging.GetLogger(),
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.NewInternalError("failed to load migrations").WithCause(err)
	}

	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{})
	if err != nil {
		return errors.NewInternalError("failed to create migration driver").WithCause(err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return errors.NewInternalError("failed to create migrator").WithCause(err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.NewInternalError("failed to apply migrations").WithCause(err)
	}

	return nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Health checks the database connection
func (r *Repository) Health(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return errors.NewInternalError("archive health check failed").WithCause(err)
	}
	return nil
}

type archivedRun struct {
	RunID        string         `db:"run_id"`
	SessionID    string         `db:"session_id"`
	AssetID      string         `db:"asset_id"`
	LibraryID    string         `db:"library_id"`
	FileName     string         `db:"file_name"`
	State        string         `db:"state"`
	StageIndex   int            `db:"stage_index"`
	ErrorKind    sql.NullString `db:"error_kind"`
	ErrorStage   sql.NullString `db:"error_stage"`
	ErrorMessage sql.NullString `db:"error_message"`
	Report       []byte         `db:"report"`
	ReportPDF    []byte         `db:"report_pdf"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    *time.Time     `db:"started_at"`
	FinishedAt   *time.Time     `db:"finished_at"`
	ArchivedAt   time.Time      `db:"archived_at"`
}

// SaveRun stores one terminal run. Saving the same run again overwrites the
// previous record.
func (r *Repository) SaveRun(ctx context.Context, run pipeline.Run, report *pipeline.Report) error {
	if !run.State.IsTerminal() {
		return errors.NewValidationError("only terminal runs are archived")
	}

	record := archivedRun{
		RunID:      run.ID,
		SessionID:  run.Item.SessionID,
		AssetID:    run.Item.AssetID,
		LibraryID:  run.Item.LibraryID,
		FileName:   run.Item.FileName,
		State:      string(run.State),
		StageIndex: run.CurrentStage,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		ArchivedAt: time.Now().UTC(),
	}

	if run.LastError != nil {
		record.ErrorKind = sql.NullString{String: run.LastError.Kind, Valid: true}
		record.ErrorStage = sql.NullString{String: run.LastError.Stage, Valid: true}
		record.ErrorMessage = sql.NullString{String: run.LastError.Message, Valid: true}
	}

	if report != nil {
		payload, err := json.Marshal(report)
		if err != nil {
			return errors.NewInternalError("failed to encode report").WithCause(err)
		}
		record.Report = payload
		record.ReportPDF = report.PDF
	}

	query := `
		INSERT INTO archived_runs (
			run_id, session_id, asset_id, library_id, file_name, state,
			stage_index, error_kind, error_stage, error_message, report,
			report_pdf, created_at, started_at, finished_at, archived_at
		) VALUES (
			:run_id, :session_id, :asset_id, :library_id, :file_name, :state,
			:stage_index, :error_kind, :error_stage, :error_message, :report,
			:report_pdf, :created_at, :started_at, :finished_at, :archived_at
		)
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state,
			stage_index = EXCLUDED.stage_index,
			error_kind = EXCLUDED.error_kind,
			error_stage = EXCLUDED.error_stage,
			error_message = EXCLUDED.error_message,
			report = EXCLUDED.report,
			report_pdf = EXCLUDED.report_pdf,
			finished_at = EXCLUDED.finished_at,
			archived_at = EXCLUDED.archived_at`

	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return errors.NewInternalError("failed to archive run").WithCause(err)
	}

	r.logger.Info("Run archived",
		"run_id", run.ID,
		"state", string(run.State),
	)

	return nil
}

// GetRun fetches one archived run
func (r *Repository) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	var record archivedRun
	err := r.db.GetContext(ctx, &record,
		`SELECT run_id, session_id, asset_id, library_id, file_name, state,
			stage_index, error_kind, error_stage, error_message, report,
			report_pdf, created_at, started_at, finished_at, archived_at
		FROM archived_runs WHERE run_id = $1`, runID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("archived run")
		}
		return nil, errors.NewInternalError("failed to load archived run").WithCause(err)
	}

	run := &pipeline.Run{
		ID: record.RunID,
		Item: pipeline.WorkItem{
			SessionID: record.SessionID,
			AssetID:   record.AssetID,
			LibraryID: record.LibraryID,
			FileName:  record.FileName,
		},
		State:        pipeline.RunState(record.State),
		CurrentStage: record.StageIndex,
		CreatedAt:    record.CreatedAt,
		StartedAt:    record.StartedAt,
		FinishedAt:   record.FinishedAt,
	}

	if record.ErrorKind.Valid {
		run.LastError = &pipeline.RunError{
			Kind:    record.ErrorKind.String,
			Stage:   record.ErrorStage.String,
			Message: record.ErrorMessage.String,
		}
	}

	return run, nil
}

// ListRecent returns the most recently finished runs for a session
func (r *Repository) ListRecent(ctx context.Context, sessionID string, limit int) ([]pipeline.Run, error) {
	var records []archivedRun
	err := r.db.SelectContext(ctx, &records,
		`SELECT run_id, session_id, asset_id, library_id, file_name, state,
			stage_index, error_kind, error_stage, error_message, report,
			report_pdf, created_at, started_at, finished_at, archived_at
		FROM archived_runs
		WHERE session_id = $1
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to list archived runs").WithCause(err)
	}

	runs := make([]pipeline.Run, 0, len(records))
	for _, record := range records {
		run := pipeline.Run{
			ID: record.RunID,
			Item: pipeline.WorkItem{
				SessionID: record.SessionID,
				AssetID:   record.AssetID,
				LibraryID: record.LibraryID,
				FileName:  record.FileName,
			},
			State:        pipeline.RunState(record.State),
			CurrentStage: record.StageIndex,
			CreatedAt:    record.CreatedAt,
			StartedAt:    record.StartedAt,
			FinishedAt:   record.FinishedAt,
		}
		if record.ErrorKind.Valid {
			run.LastError = &pipeline.RunError{
				Kind:    record.ErrorKind.String,
				Stage:   record.ErrorStage.String,
				Message: record.ErrorMessage.String,
			}
		}
		runs = append(runs, run)
	}

	return runs, nil
}
