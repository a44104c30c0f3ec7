package factory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/config"
	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
)

// Email constructs the configured email provider, supporting SMTP and mock backends.
func Email(cfg config.MailConfig, logger zerolog.Logger) (emailprovider.Provider, error) {
	backend := normalize(cfg.Provider, "smtp")
	switch backend {
	case "smtp":
		provider, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		logger.Info().
			Str("backend", "smtp").
			Str("host", cfg.SMTP.Host).
			Int("port", cfg.SMTP.Port).
			Msg("email provider initialised")
		return provider, nil
	case "mock":
		provider := emailprovider.NewMockProvider(logger)
		logger.Info().
			Str("backend", "mock").
			Msg("email provider initialised")
		return provider, nil
	default:
		return nil, fmt.Errorf("factory: unsupported email provider backend %q", cfg.Provider)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
