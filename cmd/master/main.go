// Copyright 2024 The TierFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/master"
)

// Config is the full master process configuration: JSON file first, then
// environment overrides on top.
type Config struct {
	master.Config

	APIListenAddr string `json:"api_listen_addr" envconfig:"TIERFS_API_LISTEN_ADDR"`
	LogLevel      string `json:"log_level" envconfig:"TIERFS_LOG_LEVEL"`
}

func main() {
	app := &cli.App{
		Name:  "tierfs-master",
		Usage: "replicated metadata master for the tierfs caching filesystem",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"f"},
				Value:   "master.json",
				Usage:   "path to the config file",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.New("main").Fatalf("startup failed: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			return err
		}
	}
	if cfg.APIListenAddr == "" {
		cfg.APIListenAddr = ":9500"
	}

	lg := logger.New("main")

	m, err := master.NewMaster(context.Background(), &cfg.Config)
	if err != nil {
		return err
	}
	m.Start()

	api := master.NewAPIServer(cfg.APIListenAddr, m)
	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		lg.Infof("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			lg.Errorf("api server failed: %v", err)
		}
	}

	api.Stop()
	m.Close()
	return nil
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
