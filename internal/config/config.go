// SPDX-License-Identifier: Apache-2.0

// Package config holds the daemon's tunables: plain struct plus defaults,
// no external config/INI library — see DESIGN.md for why.
// internal/manager.Config and the other package-local option structs are
// derived from this one at startup.
package config

import (
	"time"

	"github.com/jkolo/oathd/internal/manager"
	"github.com/jkolo/oathd/internal/readermon"
	"github.com/jkolo/oathd/internal/reconnect"
	"github.com/jkolo/oathd/internal/workerpool"
)

// Config is the full set of options the daemon recognizes.
type Config struct {
	// PcscRateLimitMs is the minimum spacing between APDUs on a Session.
	PcscRateLimitMs int `json:"pcscRateLimitMs"`
	// WorkerPoolMaxThreads bounds the process-wide worker pool, clamped to
	// [1,16] by internal/workerpool.
	WorkerPoolMaxThreads int `json:"workerPoolMaxThreads"`
	// ReaderPollIntervalMs is the reader monitor's poll period.
	ReaderPollIntervalMs int `json:"readerPollIntervalMs"`
	// DeviceConnectTimeoutMs bounds a single platform connect call.
	DeviceConnectTimeoutMs int `json:"deviceConnectTimeoutMs"`
	// DeviceReconnectInitialDelayMs mirrors the grace period before the
	// reconnect coordinator's single attempt. It is copied into
	// manager.Config but not applied: the coordinator always waits the
	// fixed reconnect.InitialDelay (10ms).
	DeviceReconnectInitialDelayMs int `json:"deviceReconnectInitialDelayMs"`
	// CredentialUpdateWaitMsOnDestroy mirrors how long a Device's Close
	// waits for an in-flight credential-cache refresh. No component reads
	// it: Device.Close always waits up to its fixed 5s.
	CredentialUpdateWaitMsOnDestroy int `json:"credentialUpdateWaitMsOnDestroy"`
}

// Default returns the stock settings.
func Default() Config {
	return Config{
		PcscRateLimitMs:                 0,
		WorkerPoolMaxThreads:            workerpool.DefaultMaxThreads,
		ReaderPollIntervalMs:            int(readermon.DefaultPollInterval / time.Millisecond),
		DeviceConnectTimeoutMs:          2000,
		DeviceReconnectInitialDelayMs:   int(reconnect.InitialDelay / time.Millisecond),
		CredentialUpdateWaitMsOnDestroy: 5000,
	}
}

// ManagerConfig projects the subset internal/manager.Manager consumes.
func (c Config) ManagerConfig() manager.Config {
	return manager.Config{
		PcscRateLimitMs:          c.PcscRateLimitMs,
		WorkerPoolMaxThreads:     c.WorkerPoolMaxThreads,
		ReaderPollIntervalMs:     c.ReaderPollIntervalMs,
		DeviceConnectTimeoutMs:   c.DeviceConnectTimeoutMs,
		DeviceReconnectInitialMs: c.DeviceReconnectInitialDelayMs,
	}
}

// applyBounds clamps fields to their supported ranges; Load applies it after the
// overrides so a bad value can't wedge the worker pool or
// reader monitor.
func (c *Config) applyBounds() {
	if c.WorkerPoolMaxThreads < workerpool.MinThreads {
		c.WorkerPoolMaxThreads = workerpool.MinThreads
	}
	if c.WorkerPoolMaxThreads > workerpool.MaxThreads {
		c.WorkerPoolMaxThreads = workerpool.MaxThreads
	}
	if c.PcscRateLimitMs < 0 {
		c.PcscRateLimitMs = 0
	}
	if c.ReaderPollIntervalMs <= 0 {
		c.ReaderPollIntervalMs = int(readermon.DefaultPollInterval / time.Millisecond)
	}
}

// Load returns Default with any non-zero overrides applied, then clamps
// them to their documented bounds. It takes a plain struct rather than a
// file path: the on-disk format is owned by the configuration collaborator
// this daemon only depends on through interfaces.
func Load(overrides Config) Config {
	cfg := Default()
	if overrides.PcscRateLimitMs != 0 {
		cfg.PcscRateLimitMs = overrides.PcscRateLimitMs
	}
	if overrides.WorkerPoolMaxThreads != 0 {
		cfg.WorkerPoolMaxThreads = overrides.WorkerPoolMaxThreads
	}
	if overrides.ReaderPollIntervalMs != 0 {
		cfg.ReaderPollIntervalMs = overrides.ReaderPollIntervalMs
	}
	if overrides.DeviceConnectTimeoutMs != 0 {
		cfg.DeviceConnectTimeoutMs = overrides.DeviceConnectTimeoutMs
	}
	if overrides.DeviceReconnectInitialDelayMs != 0 {
		cfg.DeviceReconnectInitialDelayMs = overrides.DeviceReconnectInitialDelayMs
	}
	if overrides.CredentialUpdateWaitMsOnDestroy != 0 {
		cfg.CredentialUpdateWaitMsOnDestroy = overrides.CredentialUpdateWaitMsOnDestroy
	}
	cfg.applyBounds()
	return cfg
}
