// Package config loads the engine configuration from YAML and maps it onto
// the component configs.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/replisync/replisync/internal/core/realtime"
	"github.com/replisync/replisync/internal/core/store"
	"github.com/replisync/replisync/internal/core/txn"
)

// Config is the full engine configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// AuthorID identifies this client on outgoing transactions.
	AuthorID string `yaml:"author_id"`

	// DataDir is the local durable-storage directory. Empty runs in memory.
	DataDir string `yaml:"data_dir"`

	// AuthToken is the bearer token for the HTTP endpoints. A JWT is checked
	// for expiry before use; anything else is sent as-is.
	AuthToken string `yaml:"auth_token"`

	Realtime      RealtimeConfig      `yaml:"realtime"`
	Endpoints     EndpointsConfig     `yaml:"endpoints"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	History       HistoryConfig       `yaml:"history"`
	Queue         QueueConfig         `yaml:"queue"`
}

// RealtimeConfig configures the websocket transport.
type RealtimeConfig struct {
	Host             string        `yaml:"host"`
	Path             string        `yaml:"path"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
	IntentQueueLimit int           `yaml:"intent_queue_limit"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

// EndpointsConfig configures the HTTP submit and fetch endpoints.
type EndpointsConfig struct {
	SubmitURL      string        `yaml:"submit_url"`
	FetchURL       string        `yaml:"fetch_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SubscriptionsConfig configures the subscription tracker.
type SubscriptionsConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// HistoryConfig configures the undo stack.
type HistoryConfig struct {
	MaxUndoSize int `yaml:"max_undo_size"`
}

// QueueConfig configures the transaction queue.
type QueueConfig struct {
	Namespace    string        `yaml:"namespace"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
}

// DefaultConfig returns the production defaults; the host, endpoints and
// author id have no sensible defaults and stay empty.
func DefaultConfig() Config {
	rt := realtime.DefaultConfig()
	sub := txn.DefaultSubmitterConfig()
	q := txn.DefaultQueueConfig()
	return Config{
		LogLevel: "info",
		Realtime: RealtimeConfig{
			Path:             rt.Path,
			BackoffBase:      rt.BackoffBase,
			BackoffMax:       rt.BackoffMax,
			MaxAttempts:      rt.MaxAttempts,
			IntentQueueLimit: rt.IntentQueueLimit,
			DialTimeout:      rt.DialTimeout,
		},
		Endpoints:     EndpointsConfig{RequestTimeout: sub.RequestTimeout},
		Subscriptions: SubscriptionsConfig{GracePeriod: 5 * time.Second},
		History:       HistoryConfig{MaxUndoSize: 100},
		Queue: QueueConfig{
			Namespace:    q.Namespace,
			RetryInitial: q.RetryInitial,
			RetryMax:     q.RetryMax,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "read config")
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// RealtimeConfig maps onto the transport config.
func (c Config) RealtimeClientConfig() realtime.Config {
	return realtime.Config{
		Host:             c.Realtime.Host,
		Path:             c.Realtime.Path,
		BackoffBase:      c.Realtime.BackoffBase,
		BackoffMax:       c.Realtime.BackoffMax,
		MaxAttempts:      c.Realtime.MaxAttempts,
		IntentQueueLimit: c.Realtime.IntentQueueLimit,
		DialTimeout:      c.Realtime.DialTimeout,
	}
}

// StoreConfig maps onto the store config.
func (c Config) StoreConfig() store.Config {
	return store.Config{Dir: c.DataDir}
}

// SubmitterConfig maps onto the HTTP submitter config.
func (c Config) SubmitterConfig() txn.SubmitterConfig {
	return txn.SubmitterConfig{
		SubmitURL:      c.Endpoints.SubmitURL,
		FetchURL:       c.Endpoints.FetchURL,
		RequestTimeout: c.Endpoints.RequestTimeout,
	}
}

// QueueConfig maps onto the transaction queue config. The rollback callback
// is wired by the session.
func (c Config) TxnQueueConfig() txn.QueueConfig {
	return txn.QueueConfig{
		Namespace:    c.Queue.Namespace,
		RetryInitial: c.Queue.RetryInitial,
		RetryMax:     c.Queue.RetryMax,
	}
}
