// Package config loads the explicit configuration structs for the
// ledger, worker, and ingester tunables from the environment. There is
// no service-locator global and no struct-tag env-binding framework
// inside the core; the *FromEnv constructors here, called by
// cmd/ledgerd, bind these with small getenv helpers in the idiom of a
// typical getenvInt helper.
package config

import (
	"os"
	"strconv"
	"time"
)

// Ledger is the MongoDB connection configuration.
type Ledger struct {
	ConnectionString string
	DatabaseName     string
	ConnectTimeout   time.Duration
}

// Worker holds every worker-loop tunable, with the given
// defaults.
type Worker struct {
	StaleTaskTimeout  time.Duration
	HeartbeatInterval time.Duration
	PollingInterval   time.Duration
	BatchSize         int
	MaxRetries        int
}

// DefaultWorker returns the documented defaults.
func DefaultWorker() Worker {
	return Worker{
		StaleTaskTimeout:  5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		PollingInterval:   10 * time.Second,
		BatchSize:         10,
		MaxRetries:        3,
	}
}

// Ingester holds every ingester tunable.
type Ingester struct {
	BatchSize                int
	PollingWaitSeconds       int
	DeadLetterFailedMessages bool
}

// DefaultIngester returns the documented defaults.
func DefaultIngester() Ingester {
	return Ingester{
		BatchSize:                10,
		PollingWaitSeconds:       30,
		DeadLetterFailedMessages: true,
	}
}

// LedgerFromEnv reads MONGODB_URI/MONGODB_DATABASE, used by cmd/ledgerd.
func LedgerFromEnv() Ledger {
	return Ledger{
		ConnectionString: getenvString("MONGODB_URI", "mongodb://localhost:27017"),
		DatabaseName:     getenvString("MONGODB_DATABASE", "taskledger"),
		ConnectTimeout:   getenvDuration("MONGODB_CONNECT_TIMEOUT", 10*time.Second),
	}
}

// WorkerFromEnv overlays DefaultWorker with any of the
// TASKLEDGER_STALE_TASK_TIMEOUT, TASKLEDGER_HEARTBEAT_INTERVAL,
// TASKLEDGER_POLLING_INTERVAL, TASKLEDGER_BATCH_SIZE and
// TASKLEDGER_MAX_RETRIES environment overrides.
func WorkerFromEnv() Worker {
	w := DefaultWorker()
	w.StaleTaskTimeout = getenvDuration("TASKLEDGER_STALE_TASK_TIMEOUT", w.StaleTaskTimeout)
	w.HeartbeatInterval = getenvDuration("TASKLEDGER_HEARTBEAT_INTERVAL", w.HeartbeatInterval)
	w.PollingInterval = getenvDuration("TASKLEDGER_POLLING_INTERVAL", w.PollingInterval)
	w.BatchSize = getenvInt("TASKLEDGER_BATCH_SIZE", w.BatchSize)
	w.MaxRetries = getenvInt("TASKLEDGER_MAX_RETRIES", w.MaxRetries)
	return w
}

// IngesterFromEnv overlays DefaultIngester with any of the
// TASKLEDGER_INGESTER_BATCH_SIZE, TASKLEDGER_POLLING_WAIT_SECONDS and
// TASKLEDGER_DEAD_LETTER_FAILED_MESSAGES environment overrides.
func IngesterFromEnv() Ingester {
	i := DefaultIngester()
	i.BatchSize = getenvInt("TASKLEDGER_INGESTER_BATCH_SIZE", i.BatchSize)
	i.PollingWaitSeconds = getenvInt("TASKLEDGER_POLLING_WAIT_SECONDS", i.PollingWaitSeconds)
	i.DeadLetterFailedMessages = getenvBool("TASKLEDGER_DEAD_LETTER_FAILED_MESSAGES", i.DeadLetterFailedMessages)
	return i
}

func getenvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
