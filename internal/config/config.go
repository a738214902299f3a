// Package config loads the rsmqd configuration from an optional YAML file
// and RSMQ_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/aura-studio/rsmq"
)

type Config struct {
	Redis   Redis   `yaml:"redis"`
	Prefix  string  `yaml:"prefix"`
	Events  bool    `yaml:"events"`
	Script  bool    `yaml:"scripting"`
	Queues  []Queue `yaml:"queues"`
	Workers Workers `yaml:"workers"`
	Admin   Admin   `yaml:"admin"`
	Log     Log     `yaml:"log"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Queue is created at startup if missing. Zero values fall back to the
// engine defaults, except MaxSize where 0 means unlimited.
type Queue struct {
	Name              string `yaml:"name"`
	VisibilityTimeout *int   `yaml:"vt"`
	Delay             *int   `yaml:"delay"`
	MaxSize           *int   `yaml:"maxsize"`
}

type Workers struct {
	Min            int `yaml:"min"`
	Max            int `yaml:"max"`
	PollIntervalMs int `yaml:"pollIntervalMs"`
	QueueIdleMs    int `yaml:"queueIdleMs"`
	WorkerIdleMs   int `yaml:"workerIdleMs"`
}

type Admin struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level string `yaml:"level"`
}

func defaults() *Config {
	return &Config{
		Redis:  Redis{Addr: "localhost:6379"},
		Prefix: "rsmq",
		Events: true,
		Script: true,
		Workers: Workers{
			Max:            10,
			PollIntervalMs: 500,
			QueueIdleMs:    int((5 * time.Minute).Milliseconds()),
			WorkerIdleMs:   int((30 * time.Second).Milliseconds()),
		},
		Admin: Admin{Addr: ":9108"},
		Log:   Log{Level: "info"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Redis.Addr = getEnv("RSMQ_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("RSMQ_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("RSMQ_REDIS_DB", c.Redis.DB)
	c.Prefix = getEnv("RSMQ_PREFIX", c.Prefix)
	c.Events = getEnvAsBool("RSMQ_EVENTS", c.Events)
	c.Script = getEnvAsBool("RSMQ_SCRIPTING", c.Script)
	c.Workers.Min = getEnvAsInt("RSMQ_MIN_WORKERS", c.Workers.Min)
	c.Workers.Max = getEnvAsInt("RSMQ_MAX_WORKERS", c.Workers.Max)
	c.Workers.PollIntervalMs = getEnvAsInt("RSMQ_POLL_INTERVAL_MS", c.Workers.PollIntervalMs)
	c.Workers.QueueIdleMs = getEnvAsInt("RSMQ_QUEUE_IDLE_MS", c.Workers.QueueIdleMs)
	c.Workers.WorkerIdleMs = getEnvAsInt("RSMQ_WORKER_IDLE_MS", c.Workers.WorkerIdleMs)
	c.Admin.Addr = getEnv("RSMQ_ADMIN_ADDR", c.Admin.Addr)
	c.Log.Level = getEnv("RSMQ_LOG_LEVEL", c.Log.Level)
	if v, ok := os.LookupEnv("RSMQ_QUEUES"); ok {
		c.Queues = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Queues = append(c.Queues, Queue{Name: name})
			}
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix is required"))
	}
	if c.Workers.Max <= 0 {
		errs = append(errs, fmt.Errorf("invalid workers.max: %d", c.Workers.Max))
	}
	if c.Workers.Min < 0 || c.Workers.Min > c.Workers.Max {
		errs = append(errs, fmt.Errorf("invalid workers.min: %d", c.Workers.Min))
	}
	if c.Workers.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("invalid workers.pollIntervalMs: %d", c.Workers.PollIntervalMs))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for _, q := range c.Queues {
		if err := rsmq.ValidateQueueName(q.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueueOptions converts the queue entry to engine options.
func (q Queue) QueueOptions() []rsmq.QueueOption {
	var opts []rsmq.QueueOption
	if q.VisibilityTimeout != nil {
		opts = append(opts, rsmq.QueueVisibilityTimeout(*q.VisibilityTimeout))
	}
	if q.Delay != nil {
		opts = append(opts, rsmq.QueueDelay(*q.Delay))
	}
	if q.MaxSize != nil {
		size := *q.MaxSize
		if size == 0 {
			size = rsmq.UnlimitedSize
		}
		opts = append(opts, rsmq.QueueMaxSize(size))
	}
	return opts
}

func (c *Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for _, q := range c.Queues {
		names = append(names, q.Name)
	}
	return names
}

func (w Workers) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

func (w Workers) QueueIdle() time.Duration {
	return time.Duration(w.QueueIdleMs) * time.Millisecond
}

func (w Workers) WorkerIdle() time.Duration {
	return time.Duration(w.WorkerIdleMs) * time.Millisecond
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if value, exists := os.LookupEnv(name); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}
