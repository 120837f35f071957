package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kscalelabs/kodachrome/internal/queue"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	"github.com/kscalelabs/kodachrome/internal/storage"
	"github.com/kscalelabs/kodachrome/internal/util"
	"github.com/kscalelabs/kodachrome/model"
)

// MaxArtifactBytes is the largest artifact file the storage sink uploads.
const MaxArtifactBytes = 64 << 20

// LogSink writes one structured line per outcome.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(ctx context.Context, o model.Outcome) error {
	ev := logger.FromContext(ctx).Info().
		Str("job_id", o.JobID.String()).
		Str("subject", o.Subject).
		Str("profile", o.Profile).
		Str("robot", o.Robot).
		Str("caller", o.Caller).
		Str("status", string(o.Status)).
		Str("artifact_path", o.ArtifactPath).
		Dur("duration", o.Duration)
	if o.ExitCode != nil {
		ev = ev.Int("exit_code", *o.ExitCode)
	}
	if o.ErrorDetail != "" {
		ev = ev.Str("error_detail", o.ErrorDetail)
	}
	if o.ReportURL != "" {
		ev = ev.Str("report_url", o.ReportURL)
	}
	ev.Msg("evaluation outcome")
	return nil
}

// OutcomeStore persists outcomes. *repository.OutcomeRepository implements it.
type OutcomeStore interface {
	InsertOutcome(ctx context.Context, o model.Outcome) error
}

// DBSink records outcomes in the result-logging database.
type DBSink struct {
	store OutcomeStore
}

func NewDBSink(store OutcomeStore) *DBSink {
	return &DBSink{store: store}
}

func (s *DBSink) Name() string { return "postgres" }

func (s *DBSink) Deliver(ctx context.Context, o model.Outcome) error {
	if err := s.store.InsertOutcome(ctx, o); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// QueueSink publishes the outcome as JSON on EvalCompleted.
type QueueSink struct {
	q queue.Queue
}

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

func (s *QueueSink) Name() string { return "jetstream" }

func (s *QueueSink) Deliver(ctx context.Context, o model.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := s.q.PublishEvent(ctx, queue.EvalCompleted, data); err != nil {
		return fmt.Errorf("publish %s: %w", queue.EvalCompleted, err)
	}
	return nil
}

// StorageSink archives outcome.json and the run's artifact files.
type StorageSink struct {
	storage storage.Storage
}

func NewStorageSink(s storage.Storage) *StorageSink {
	return &StorageSink{storage: s}
}

func (s *StorageSink) Name() string { return "minio" }

// Deliver uploads outcome.json first so a partial artifact upload still leaves
// the outcome archived. Oversized and irregular files are skipped.
func (s *StorageSink) Deliver(ctx context.Context, o model.Outcome) error {
	id := o.JobID.String()
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	if err := s.storage.Upload(ctx, util.GetOutcomePath(id), data, "application/json"); err != nil {
		return fmt.Errorf("upload outcome: %w", err)
	}
	if o.ArtifactPath == "" {
		return nil
	}

	log := logger.FromContext(ctx)
	err = filepath.WalkDir(o.ArtifactPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == o.ArtifactPath && os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxArtifactBytes {
			log.Warn().Str("file", path).Int64("size", info.Size()).Msg("artifact too large, skipped")
			return nil
		}
		rel, err := filepath.Rel(o.ArtifactPath, path)
		if err != nil {
			return err
		}
		if err := s.storage.UploadFile(ctx, util.GetArtifactPath(id, filepath.ToSlash(rel)), path); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		return nil
	})
	return err
}
