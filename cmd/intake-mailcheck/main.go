package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/app"
	"github.com/mechnerve/mechnerve-website/internal/config"
	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/sanitize"
)

func main() {
	dump := flag.Bool("dump", false, "print the fallback store contents as JSON and exit")
	kind := flag.String("kind", string(models.KindContact), "submission kind used for the test notification")
	store := flag.Bool("store", false, "append a failed test notification to the fallback store")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel, "intake-mailcheck", os.Stderr)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mail.SendTimeout*time.Duration(2)+10*time.Second)
	defer cancel()

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble service")
	}
	defer svc.Close()

	if *dump {
		records, err := svc.Store.ReadAll(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read fallback store")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			log.Fatal().Err(err).Msg("failed to encode records")
		}
		return
	}

	k, err := models.ParseKind(*kind)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid kind")
	}

	now := time.Now().UTC()
	sub := &models.Submission{
		ID:   fmt.Sprintf("mailcheck-%d", now.Unix()),
		Kind: k,
		Fields: sanitize.Fields(k, map[string]string{
			models.FieldName:    "Mail check",
			models.FieldEmail:   cfg.Mail.Recipient,
			models.FieldRole:    "Operator",
			models.FieldPhone:   "0000000000",
			models.FieldMessage: "Test notification from intake-mailcheck.",
		}),
		ReceivedAt: now,
	}

	dispatcher := svc.Dispatcher
	if !*store {
		if dispatcher, err = svc.UnrecordedDispatcher(); err != nil {
			log.Fatal().Err(err).Msg("failed to build dispatcher")
		}
	}

	outcome, err := dispatcher.Dispatch(ctx, sub)
	if err != nil {
		log.Fatal().Err(err).Msg("outcome could not be stored")
	}

	log.Info().
		Str("submission_id", sub.ID).
		Bool("transport_configured", dispatcher.TransportConfigured()).
		Bool("stored", *store && !outcome.Delivered()).
		Str("outcome", outcome.Status.String()).
		Str("reason", outcome.Reason).
		Int("attempts", outcome.Attempts).
		Msg("mail check finished")

	if !outcome.Delivered() {
		_ = svc.Close()
		os.Exit(1)
	}
}

func fail(stage string, err error) {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	l.Fatal().Err(err).Str("stage", stage).Msg("intake mailcheck init failed")
}
