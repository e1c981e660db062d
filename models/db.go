package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codingric/receiptbox/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	otelgorm "gorm.io/plugin/opentelemetry/tracing"
)

type zerologger struct {
	Logger  *zerolog.Logger
	Verbose bool
}

func (z zerologger) LogMode(l logger.LogLevel) logger.Interface {
	z.Verbose = l >= logger.Info
	return z
}

func (z zerologger) Info(c context.Context, m string, x ...interface{}) {
	z.Logger.Info().Msgf(m, x...)
}
func (z zerologger) Warn(c context.Context, m string, x ...interface{}) {
	z.Logger.Warn().Msgf(m, x...)
}
func (z zerologger) Error(c context.Context, m string, x ...interface{}) {
	z.Logger.Error().Msgf(m, x...)
}
func (z zerologger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	s, r := fc()
	verb := strings.ToLower(strings.Split(s, " ")[0])
	e := z.Logger.Trace()
	if z.Verbose {
		e = z.Logger.Debug()
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		e = z.Logger.Warn().Err(err)
	}
	e.Int64("rows", r).Dur("duration_ms", time.Since(begin)).Str("verb", verb).Msg(s)
}

func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// Open connects to the configured database and instruments it for tracing.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: zerologger{Logger: &log.Logger},
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("database tracing: %w", err)
	}

	// Every new connection to ":memory:" is a separate database.
	if strings.Contains(cfg.DSN, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if cfg.Debug {
		db = db.Debug()
	}
	log.Info().Str("driver", cfg.Driver).Msg("Database connected")
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Transaction{})
}
