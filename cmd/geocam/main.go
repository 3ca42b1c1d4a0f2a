package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"geocam/internal/config"
	"geocam/internal/logging"
	"geocam/internal/web"
)

func main() {
	var configPath, summaryPath string
	flag.StringVar(&configPath, "config", "./geocam.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "nmea-summary", "", "Print a summary of a recorded NMEA log and exit")
	flag.Parse()

	if strings.TrimSpace(summaryPath) != "" {
		if err := printLogSummary(os.Stdout, summaryPath); err != nil {
			log.Fatalf("nmea summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	logs := web.NewLogBuffer(cfg.Log.Buffer)
	logger := logging.New(cfg.Log, logs)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	status := web.NewStatus()
	rt, err := newRuntime(ctx, cfg, status, logger)
	if err != nil {
		logger.WithError(err).Fatal("runtime init failed")
	}
	defer rt.Close()

	// A missing receiver leaves the web API up so the operator can see why.
	if err := rt.startGPS(); err != nil {
		logger.WithError(err).WithField("source", cfg.GPS.Source).Error("gps start failed")
	}

	var runs web.RunSource
	if rt.store != nil {
		runs = rt.store
	}

	logger.WithFields(logrus.Fields{
		"config": configPath,
		"listen": cfg.Web.Listen,
		"source": cfg.GPS.Source,
		"mode":   cfg.Capture.Mode,
	}).Info("geocam starting")

	err = web.Serve(ctx, cfg.Web.Listen, web.Deps{
		Status:      status,
		Control:     rt.bridge,
		Runs:        runs,
		Settings:    web.SettingsStore{ConfigPath: configPath, Apply: rt.Apply},
		Logs:        logs,
		Logger:      logger,
		DefaultMode: rt.DefaultMode,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("web server failed")
		cancel()
	}

	if dir := strings.TrimSpace(cfg.Export.Dir); dir != "" && rt.store != nil {
		exportCtx, exportCancel := context.WithTimeout(context.Background(), 30*time.Second)
		path, err := rt.exportRuns(exportCtx, dir)
		exportCancel()
		if err != nil {
			logger.WithError(err).Warn("run export failed")
		} else {
			logger.WithField("path", path).Info("runs exported")
		}
	}

	snap := status.Snapshot(time.Now().UTC())
	logger.WithFields(logrus.Fields{
		"uptime": humanize.RelTime(time.Now().Add(-time.Duration(snap.UptimeSec)*time.Second), time.Now(), "", ""),
		"runs":   humanize.Comma(int64(snap.RunsTotal)),
		"frames": humanize.Comma(int64(snap.FramesTotal)),
	}).Info("geocam stopping")
}
