// Package cfg defines and loads walle's TOML configuration file.
package cfg

import (
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string             `toml:"http_listen_addr"`
	HTTPSListenAddr           string             `toml:"https_listen_addr"`
	HTTPSCertFile             string             `toml:"https_cert_file"`
	HTTPSKeyFile              string             `toml:"https_key_file"`
	HTTPGithubWebhookEndpoint string             `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string             `toml:"github_webhook_secret"`
	GithubAPIToken            string             `toml:"github_api_token"`
	LogFormat                 string             `toml:"log_format"`
	LogLevel                  string             `toml:"log_level"`
	Repositories              []GithubRepository `toml:"repository"`
	MergeQueue                MergeQueue         `toml:"merge_queue"`
}

type GithubRepository struct {
	Owner          string `toml:"owner"`
	RepositoryName string `toml:"repository"`
}

// MergeQueue configures every per-target-branch merge service the
// dispatcher creates.
type MergeQueue struct {
	IntegrationLabel        string   `toml:"integration_label"`
	TopPriorityLabels       []string `toml:"top_priority_labels"`
	RequiresAllStatusChecks bool     `toml:"requires_all_status_checks"`
	StatusChecksTimeoutSecs int      `toml:"status_checks_timeout_seconds"`
	IdleCleanupDelaySecs    int      `toml:"idle_cleanup_delay_seconds"`
	// PokeIntervalSecs is how often every tracked target branch is poked
	// as a backstop against a missed or dropped webhook event. Optional;
	// left at 0, a 30 minute default is used.
	PokeIntervalSecs int `toml:"poke_interval_seconds"`
	// BotUser is the bot's numeric GitHub user ID, used to recognize its
	// own historical comments when reordering the queue after a
	// restart. Optional; left empty, comments are matched by content
	// alone.
	BotUser string `toml:"bot_user"`
}

// StatusChecksTimeout returns the configured status checks timeout as a
// time.Duration.
func (m *MergeQueue) StatusChecksTimeout() time.Duration {
	return time.Duration(m.StatusChecksTimeoutSecs) * time.Second
}

// IdleCleanupDelay returns the configured idle-service cleanup delay as
// a time.Duration.
func (m *MergeQueue) IdleCleanupDelay() time.Duration {
	return time.Duration(m.IdleCleanupDelaySecs) * time.Second
}

// PokeInterval returns the configured poke interval as a time.Duration,
// or 0 if unset, leaving the default to the caller.
func (m *MergeQueue) PokeInterval() time.Duration {
	return time.Duration(m.PokeIntervalSecs) * time.Second
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Validate checks that the configuration is complete enough to start
// the service.
func (r *Config) Validate() error {
	if r.HTTPGithubWebhookEndpoint == "" {
		return fmt.Errorf("github_webhook_endpoint must not be empty")
	}

	if len(r.Repositories) == 0 {
		return fmt.Errorf("at least one [[repository]] must be configured")
	}

	if r.MergeQueue.IntegrationLabel == "" {
		return fmt.Errorf("merge_queue.integration_label must not be empty")
	}

	if r.MergeQueue.StatusChecksTimeoutSecs <= 0 {
		return fmt.Errorf("merge_queue.status_checks_timeout_seconds must be >0")
	}

	if r.MergeQueue.IdleCleanupDelaySecs <= 0 {
		return fmt.Errorf("merge_queue.idle_cleanup_delay_seconds must be >0")
	}

	return nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
