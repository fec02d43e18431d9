// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// potholes_server serves the reports API: road photos uploaded with their location (POST /analyse)
// are classified with the trained model and stored, and can be listed by the map dashboard.
//
// If a Telegram token is given, it also runs a Telegram bot that classifies photos sent to it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gomlx/potholes/internal/config"
	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/reports"
	"github.com/gomlx/potholes/pkg/server"
	"github.com/gomlx/potholes/pkg/telegrambot"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	cfg = config.Load()

	flagDataDir    = flag.String("data", cfg.DataDir, "Dataset directory, used as the base of a relative --checkpoint. Env: POTHOLES_DATA_DIR.")
	flagCheckpoint = flag.String("checkpoint", cfg.Checkpoint, "Directory of the trained model. Env: POTHOLES_CHECKPOINT.")
	flagDB         = flag.String("db", cfg.DB, "SQLite database where reports are stored. Env: POTHOLES_DB.")
	flagAddr       = flag.String("addr", fmt.Sprintf(":%d", cfg.Port), "Address to listen to. Env: PORT.")
	flagCORSOrigin = flag.String("cors_origin", cfg.CORSOrigin, "Origin of the front-end allowed to call the API, or \"*\". Env: POTHOLES_CORS_ORIGIN.")
	flagTelegram   = flag.String("telegram_token", cfg.TelegramToken, "If set, also run the Telegram bot. Env: TELEGRAM_TOKEN.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	checkpointDir := must.M1(config.ResolveCheckpoint(*flagDataDir, *flagCheckpoint))
	predictor := must.M1(classifier.New(checkpointDir))
	klog.Infof("Model %q loaded from %q, classes %q", predictor.ModelType(), checkpointDir, predictor.ClassNames())

	store := must.M1(reports.Open(*flagDB))
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(predictor, store, server.Config{
		Addr:           *flagAddr,
		CORSOrigin:     *flagCORSOrigin,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})

	var wg sync.WaitGroup
	if *flagTelegram != "" {
		bot := must.M1(telegrambot.New(*flagTelegram, predictor, store))
		bot.OnReport = srv.Publish
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Run(ctx); err != nil {
				klog.Errorf("Telegram bot failed: %+v", err)
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		stop()
		wg.Wait()
		klog.Fatalf("%+v", err)
	}
	wg.Wait()
	klog.Infof("Bye")
}
