package handlers

import (
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/config"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/core/alerting"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/core/statistics"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/websocket"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	cfg        *config.Config
	registry   *alerting.RuleRegistry
	engine     *alerting.Engine
	aggregator *statistics.Aggregator
	logStore   *alerting.LogStore
	instances  *sqlite.InstanceRepository
	timers     *sqlite.TimerRepository
	db         *sqlx.DB
	hub        *websocket.Hub
	log        *logrus.Logger
}

// New creates the handler set.
func New(
	cfg *config.Config,
	registry *alerting.RuleRegistry,
	engine *alerting.Engine,
	aggregator *statistics.Aggregator,
	logStore *alerting.LogStore,
	instances *sqlite.InstanceRepository,
	timers *sqlite.TimerRepository,
	db *sqlx.DB,
	hub *websocket.Hub,
	log *logrus.Logger,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		registry:   registry,
		engine:     engine,
		aggregator: aggregator,
		logStore:   logStore,
		instances:  instances,
		timers:     timers,
		db:         db,
		hub:        hub,
		log:        log,
	}
}
