// SPDX-License-Identifier: Apache-2.0

// Command oathd is the thin entrypoint wiring internal/manager through
// internal/workerpool. IPC publication, the metadata/credential stores and
// UI workflows live with the session-bus frontend; this binary only starts
// the device subsystem and logs its lifecycle events.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/jkolo/oathd/internal/config"
	"github.com/jkolo/oathd/internal/manager"
	"github.com/jkolo/oathd/internal/oathtypes"
	"github.com/jkolo/oathd/internal/pcsc"
	"github.com/jkolo/oathd/internal/workerpool"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	foreground := flag.Bool("foreground", true, "run in the foreground instead of daemonizing")
	rateLimitMs := flag.Int("pcsc-rate-limit-ms", 0, "minimum spacing between APDUs on a session")
	workerThreads := flag.Int("worker-threads", workerpool.DefaultMaxThreads, "worker pool thread count (1-16)")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	if !*foreground {
		entry.Warn("daemonizing is not implemented by this core; running in the foreground")
	}

	cfg := config.Load(config.Config{
		PcscRateLimitMs:      *rateLimitMs,
		WorkerPoolMaxThreads: *workerThreads,
	})

	pool := workerpool.New(cfg.WorkerPoolMaxThreads, entry.WithField("component", "workerpool"))
	defer pool.Close()

	mgrLog := entry.WithField("component", "manager")
	establishContext := func() (manager.Context, error) {
		return pcsc.EstablishContext()
	}
	mgr := manager.New(establishContext, pool, cfg.ManagerConfig(), manager.Callbacks{
		DeviceConnected: func(id oathtypes.DeviceID) {
			mgrLog.WithField("deviceId", id).Info("device connected")
		},
		DeviceDisconnected: func(id oathtypes.DeviceID) {
			mgrLog.WithField("deviceId", id).Info("device disconnected")
		},
		DeviceForgotten: func(id oathtypes.DeviceID) {
			mgrLog.WithField("deviceId", id).Info("device forgotten")
		},
		StateChanged: func(id oathtypes.DeviceID, state oathtypes.DeviceState) {
			mgrLog.WithFields(logrus.Fields{"deviceId": id, "state": state}).Debug("state changed")
		},
		TouchRequired: func(id oathtypes.DeviceID) {
			mgrLog.WithField("deviceId", id).Info("touch required")
		},
		ErrorOccurred: func(id oathtypes.DeviceID, err error) {
			mgrLog.WithField("deviceId", id).WithError(err).Warn("device error")
		},
	}, mgrLog)

	if err := mgr.Initialize(); err != nil {
		entry.WithError(err).Fatal("failed to establish PC/SC context")
	}
	mgr.StartMonitoring()
	defer mgr.Close()

	entry.Info("oathd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	entry.Info("shutting down")
}
