package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy reference types so callers cannot mutate the original through
	// the redacted copy.
	out.Exchanges = maps.Clone(cfg.Exchanges)
	out.Backtest.Symbols = cloneStrings(cfg.Backtest.Symbols)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
