package config

import "time"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	ModelDefaultsChanged bool
	NewDefaultModel      string
	NewMaxTokens         int

	SchedulerChanged bool
	NewPollInterval  time.Duration

	ChatIDChanged bool
	NewChatID     int64

	AuthChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.ModelDefaultsChanged ||
		d.SchedulerChanged ||
		d.ChatIDChanged ||
		d.AuthChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	// Model defaults feed each new run; changes apply from the next run.
	if old.Models.Default != new.Models.Default || old.Models.MaxTokens != new.Models.MaxTokens {
		d.ModelDefaultsChanged = true
		d.NewDefaultModel = new.Models.Default
		d.NewMaxTokens = new.Models.MaxTokens
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler.PollInterval
	}

	if old.Notify.ChatID != new.Notify.ChatID {
		d.ChatIDChanged = true
		d.NewChatID = new.Notify.ChatID
	}

	if old.Web.Auth != new.Web.Auth {
		d.AuthChanged = true
	}

	// Non-reloadable warnings
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Models.AnthropicAPIKey != new.Models.AnthropicAPIKey {
		d.NonReloadable = append(d.NonReloadable, "models.anthropic_api_key")
	}
	if old.Models.OpenAIAPIKey != new.Models.OpenAIAPIKey {
		d.NonReloadable = append(d.NonReloadable, "models.openai_api_key")
	}
	if old.Notify.TelegramToken != new.Notify.TelegramToken {
		d.NonReloadable = append(d.NonReloadable, "notify.telegram_token")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
