package app

import (
	"net/http"

	crerr "github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/toolhunt/enrich-scheduler/internal/config"
	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
	"github.com/toolhunt/enrich-scheduler/internal/infrastructure/edgefn"
	"github.com/toolhunt/enrich-scheduler/internal/infrastructure/repository/postgres"
	"github.com/toolhunt/enrich-scheduler/internal/infrastructure/source"
	"github.com/toolhunt/enrich-scheduler/internal/platform/logging"
	"github.com/toolhunt/enrich-scheduler/internal/platform/resilience"
	"github.com/toolhunt/enrich-scheduler/internal/usecase"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	"github.com/uptrace/opentelemetry-go-extra/otelsqlx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

// App holds the wired scheduler and the resources it owns.
type App struct {
	Scheduler *usecase.SchedulerService
	db        *sqlx.DB
}

func Build(cfg config.Config, logger *logging.Logger) (*App, error) {
	dispatcher := edgefn.NewClient(edgefn.ClientConfig{
		HTTPClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		FunctionURL: cfg.FunctionURL,
		AuthToken:   cfg.AuthToken,
		Timeout:     cfg.RequestTimeout,
		Breaker: resilience.BreakerConfig{
			Enabled:          cfg.EdgeFnCircuitEnabled,
			FailureThreshold: cfg.EdgeFnCircuitFailureCount,
			OpenTimeout:      cfg.EdgeFnCircuitOpenTimeout,
			HalfOpenMaxReq:   cfg.EdgeFnCircuitHalfOpenMaxReq,
		},
	}, logger)

	mode := "invoke"
	var batchSource enrichment.Source = source.NewStatic()
	recorder := usecase.NewNoopRecorder()

	var db *sqlx.DB
	if cfg.BatchEnabled {
		mode = "batch"

		var err error
		db, err = otelsqlx.Connect("postgres", cfg.DBURL,
			otelsql.WithAttributes(attribute.String("db.system", "postgresql")),
			otelsql.WithDBName(dbNameFromURL(cfg.DBURL)),
		)
		if err != nil {
			return nil, crerr.Wrap(err, "connect database")
		}

		batchSource = postgres.NewToolBatchSource(db, cfg.BatchSize, logger)
		recorder = postgres.NewDispatchEventRepository(db)
	}

	scheduler := usecase.NewSchedulerService(batchSource, dispatcher, recorder, usecase.SchedulerConfig{
		Mode:         mode,
		TickInterval: cfg.TickInterval,
		RunDuration:  cfg.RunDuration,
	}, logger)

	return &App{Scheduler: scheduler, db: db}, nil
}

func (a *App) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
