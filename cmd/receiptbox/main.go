package main

import (
	"fmt"
	"os"
	"time"

	"github.com/codingric/receiptbox/auth"
	"github.com/codingric/receiptbox/config"
	"github.com/codingric/receiptbox/models"
	"github.com/codingric/receiptbox/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app        = kingpin.New("receiptbox", "Transaction tracking API with receipt uploads.")
	configPath = app.Flag("config", "Path to config.yaml").Short('c').String()
	verbose    = app.Flag("verbose", "Verbosity").Short('v').Bool()

	serveCmd = app.Command("serve", "Run the HTTP API").Default()
	port     = serveCmd.Flag("port", "Port").Short('p').String()

	migrateCmd = app.Command("migrate", "Create or update the database schema")

	tokenCmd   = app.Command("token", "Print a bearer token for local development")
	tokenEmail = tokenCmd.Flag("email", "User email").Required().String()
	tokenName  = tokenCmd.Flag("name", "User name").String()
	tokenTTL   = tokenCmd.Flag("ttl", "Token lifetime, 0 for no expiry").Default("24h").Duration()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setLogLevel(cfg.Log.Level, *verbose)
	if *port != "" {
		cfg.Server.Port = *port
	}

	switch command {
	case serveCmd.FullCommand():
		shutdown, err := tracing.InitTraceProvider("receiptbox")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start tracing")
		}
		defer shutdown()
		if err := serve(cfg); err != nil {
			log.Fatal().Err(err).Msg("Server Error")
		}
	case migrateCmd.FullCommand():
		if err := migrate(cfg); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("Database migrated")
	case tokenCmd.FullCommand():
		tok, err := issueToken(cfg, *tokenEmail, *tokenName, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create token")
		}
		fmt.Println(tok)
	}
}

func setLogLevel(level string, verbose bool) {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
		return
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		return
	}
	zerolog.SetGlobalLevel(l)
}

func migrate(cfg *config.Config) error {
	db, err := models.Open(cfg.Database)
	if err != nil {
		return err
	}
	return models.Migrate(db)
}

func issueToken(cfg *config.Config, email, name string, ttl time.Duration) (string, error) {
	if cfg.Server.Secret == "" {
		return "", fmt.Errorf("server.secret is required")
	}
	return auth.NewVerifier(cfg.Server.Secret).GenerateToken(auth.AuthenticatedUser{Name: name, Email: email}, ttl)
}
