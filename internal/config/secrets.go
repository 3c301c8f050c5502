package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	out.Signer = cfg.Signer
	redact(&out.Signer.APIToken)
	redact(&out.Signer.TokenPassword)

	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Venues != nil {
		out.Venues = make([]VenueConfig, len(cfg.Venues))
		copy(out.Venues, cfg.Venues)
	}

	return out
}

func redact(field *string) {
	if *field != "" {
		*field = "***"
	}
}
