package database

import (
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
)

// Repositories aggregates all data access objects.
type Repositories struct {
	Rule     *sqlite.RuleRepository
	Instance *sqlite.InstanceRepository
	Log      *sqlite.LogRepository
	Timer    *sqlite.TimerRepository
}

// NewRepositories creates all repositories over one connection pool.
func NewRepositories(db *sqlx.DB, log *logrus.Logger) *Repositories {
	return &Repositories{
		Rule:     sqlite.NewRuleRepository(db, log),
		Instance: sqlite.NewInstanceRepository(db, log),
		Log:      sqlite.NewLogRepository(db, log),
		Timer:    sqlite.NewTimerRepository(db, log),
	}
}
