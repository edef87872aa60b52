// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/echotools/presenced/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to the yaml configuration file.")
	serverName := flag.String("server-name", "", "Override the configured federation server name.")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	config := server.NewConfig()
	if *configPath != "" {
		config, err = server.ParseConfigFile(*configPath)
		if err != nil {
			logger.Fatal("Failed to load configuration", zap.Error(err))
		}
	}
	if *serverName != "" {
		config.ServerName = *serverName
	}
	if err := config.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger = logger.With(zap.String("name", config.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := server.NewMetrics(config.Name)
	defer metrics.Stop(logger)

	engine, err := server.NewEngine(ctx, logger, config, metrics)
	if err != nil {
		logger.Fatal("Failed to start presence engine", zap.Error(err))
	}
	defer engine.Stop()

	if config.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HTTPHandler())
		go func() {
			logger.Info("Metrics endpoint listening", zap.String("address", config.MetricsAddress))
			if err := http.ListenAndServe(config.MetricsAddress, mux); err != nil {
				logger.Warn("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Presence distribution engine started", zap.String("server_name", config.ServerName))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
}
