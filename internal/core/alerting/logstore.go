package alerting

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
)

// LogStore is the append-only processing log. Appends are retried with
// backoff because a dropped transition record is worse than a slow one; an
// error from Append means the transition must not be considered durable.
type LogStore struct {
	repo *sqlite.LogRepository
	log  *logrus.Logger
}

func NewLogStore(repo *sqlite.LogRepository, log *logrus.Logger) *LogStore {
	return &LogStore{repo: repo, log: log}
}

// Append writes one transition record, retrying transient failures.
func (s *LogStore) Append(ctx context.Context, entry *models.ProcessingLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	err := backoff.Retry(func() error {
		return s.repo.Append(ctx, entry)
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"instance_id": entry.InstanceID,
			"to_state":    entry.ToState,
		}).Error("Processing log append failed after retries")
	}

	return err
}

// Query returns a filtered page of entries with the total match count.
func (s *LogStore) Query(ctx context.Context, filter *models.LogFilter) ([]*models.ProcessingLogEntry, int, error) {
	return s.repo.Query(ctx, filter)
}

// Trace returns the chronological lifecycle of one instance.
func (s *LogStore) Trace(ctx context.Context, instanceID string) ([]*models.ProcessingLogEntry, error) {
	return s.repo.GetByInstance(ctx, instanceID)
}

// EventSnapshot serializes an event for embedding in a log entry.
func EventSnapshot(event *DeviceEvent) string {
	if event == nil {
		return "{}"
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "{}"
	}
	return string(data)
}
