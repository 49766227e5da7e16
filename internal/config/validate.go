package config

import (
	"fmt"
	"strings"
)

// Validate checks business rules that struct tags cannot express.
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters (got %d)", len(c.Auth.JWTSecret))
	}
	if c.Discussion.EditWindow <= 0 {
		return fmt.Errorf("discussion.edit_window must be > 0 (got %s)", c.Discussion.EditWindow)
	}
	if c.Discussion.ResubscribeDelay < 0 {
		return fmt.Errorf("discussion.resubscribe_delay must be >= 0 (got %s)", c.Discussion.ResubscribeDelay)
	}
	if c.Discussion.SubscriberBuffer < 1 {
		return fmt.Errorf("discussion.subscriber_buffer must be >= 1 (got %d)", c.Discussion.SubscriberBuffer)
	}
	if c.Storage.Enabled() && (c.Storage.AccessKey == "" || c.Storage.SecretKey == "") {
		return fmt.Errorf("storage: access_key and secret_key are required when endpoint is set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}
	return nil
}
