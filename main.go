package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aljazari-lab/kebbicall/internal/ai"
	"github.com/aljazari-lab/kebbicall/internal/call"
	"github.com/aljazari-lab/kebbicall/internal/config"
	"github.com/aljazari-lab/kebbicall/internal/httpapi"
	"github.com/aljazari-lab/kebbicall/internal/rag"
	sig "github.com/aljazari-lab/kebbicall/internal/signal"
	"github.com/aljazari-lab/kebbicall/internal/store"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	setupLogging(cfg.Log.Level)
	if created {
		logrus.WithField("path", *cfgPath).Info("wrote default config")
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		logrus.WithError(err).Fatal("open store")
	}
	defer db.Close()

	settings, err := ai.OpenSettings(cfg.SettingsPath())
	if err != nil {
		logrus.WithError(err).Fatal("open settings")
	}
	defer settings.Close()

	aic := ai.NewClient(cfg.AI.BaseURL, cfg.AI.APIKey, settings)

	var book rag.BookAnswerer = rag.None{}
	if cfg.Book.QueryURL != "" {
		book = rag.NewRemote(cfg.Book.QueryURL)
	}

	hub := sig.NewHub()
	calls := call.NewManager(hub, time.Duration(cfg.Call.RingTimeoutSec)*time.Second)
	defer calls.Close()

	ws := sig.NewServer(hub, calls,
		time.Duration(cfg.Call.PingIntervalSec)*time.Second,
		time.Duration(cfg.Call.PongWaitSec)*time.Second)

	srv := httpapi.New(cfg, hub, calls, ws, db, aic, settings, book)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
	logrus.Info("shut down")
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch strings.ToLower(level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
