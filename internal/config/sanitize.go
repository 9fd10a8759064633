package config

const redacted = "***"

// Sanitize returns a copy of the config with credentials masked, safe for
// printing.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	if c.Backend.APIKey != "" {
		c.Backend.APIKey = redacted
	}
	if c.Channels.WhatsApp.AccessToken != "" {
		c.Channels.WhatsApp.AccessToken = redacted
	}
	if c.Channels.WhatsApp.AppSecret != "" {
		c.Channels.WhatsApp.AppSecret = redacted
	}
	if c.Channels.WhatsApp.VerifyToken != "" {
		c.Channels.WhatsApp.VerifyToken = redacted
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Token = redacted
	}
	if c.Mirror.AccessToken != "" {
		c.Mirror.AccessToken = redacted
	}
	if c.Payment.AccessToken != "" {
		c.Payment.AccessToken = redacted
	}
	if c.Store.RedisPassword != "" {
		c.Store.RedisPassword = redacted
	}
	return &c
}
