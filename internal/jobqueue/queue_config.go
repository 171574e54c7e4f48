/*
Package jobqueue configuration - tunable parameters for the River job queue.

# Configuration Guide

The queue runs background suggestion regeneration so a client can ask for fresh
follow-up questions without holding a request open while the model works.

# Performance Tuning

  - Increase MaxWorkers for more regenerations in parallel. Each worker holds a model
    request open, so stay below the provider rate limit.

# Reliability Tuning

  - MaxAttempts bounds how often River retries a failed job. The suggester already
    retries inside a job, so a few attempts are enough.
  - JobTimeout bounds a single attempt.

# Database Requirements

  - PostgreSQL with the River schema, applied by Migrate (thoughtmap migrate)
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"

	"github.com/thoughtmap/internal/config"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	MaxWorkers  int           // Concurrent workers (default: 4)
	MaxAttempts int           // River attempts per job (default: 5)
	JobTimeout  time.Duration // Upper bound for one attempt (default: 2 minutes)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 5,
		JobTimeout:  2 * time.Minute,
	}
}

// QueueConfigFrom fills a QueueConfig from the application config, keeping defaults for
// unset values
func QueueConfigFrom(cfg config.QueueConfig) *QueueConfig {
	c := DefaultQueueConfig()
	if cfg.MaxWorkers > 0 {
		c.MaxWorkers = cfg.MaxWorkers
	}
	if cfg.MaxAttempts > 0 {
		c.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.JobTimeout > 0 {
		c.JobTimeout = cfg.JobTimeout
	}
	return c
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
