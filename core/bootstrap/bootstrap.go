package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/aqasem/rollcall/core/artifacts"
	coreconfig "github.com/aqasem/rollcall/core/config"
	"github.com/aqasem/rollcall/core/coordinator"
	coredatabase "github.com/aqasem/rollcall/core/database"
	"github.com/aqasem/rollcall/core/history"
	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

// Options control the generic bootstrap pipeline shared between binaries.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(*coreconfig.Config) error
	Connect    func(coreconfig.HistoryConfig) (*sqlx.DB, error)
	Migrate    func(coreconfig.HistoryConfig) error
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
// DB and Archiver are nil unless the history section is enabled.
type Result struct {
	Store       *store.Store
	Coordinator *coordinator.Coordinator
	Artifacts   *artifacts.Store
	DB          *sqlx.DB
	Archiver    *history.Archiver
}

// Run initializes the logger, opens the shared state store and the artifact
// store, and connects the optional history database.
func Run(opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: state store open failed: %w", err)
	}

	art, err := artifacts.Open(cfg.Artifacts.Dir, artifacts.Options{})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: artifact store open failed: %w", err)
	}

	res := &Result{
		Store:       st,
		Coordinator: coordinator.New(st, coordinator.Options{}),
		Artifacts:   art,
	}

	// first boot on an empty store: settings start from the config defaults
	// instead of an all-zero record
	seed := coordinator.Settings{
		Headless:     cfg.Browser.Headless,
		GeoSource:    cfg.Browser.Geolocation.Source,
		GeoLatitude:  cfg.Browser.Geolocation.Latitude,
		GeoLongitude: cfg.Browser.Geolocation.Longitude,
		GeoAccuracy:  cfg.Browser.Geolocation.Accuracy,
	}
	if err := res.Coordinator.SeedSettings(context.Background(), "bootstrap", seed); err != nil {
		return nil, fmt.Errorf("bootstrap: settings seed failed: %w", err)
	}

	if !cfg.History.Enabled {
		return res, nil
	}

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	if err := migrate(cfg.History); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	res.DB = db
	res.Archiver = history.New(db)
	return res, nil
}
