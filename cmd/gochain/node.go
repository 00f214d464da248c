// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/blinklabs-io/gochain"
	"github.com/blinklabs-io/gochain/config"
	"github.com/spf13/cobra"
)

const (
	networkFlag        = "network"
	listenFlag         = "listen"
	peerFlag           = "peer"
	storageBackendFlag = "storage-backend"
	storagePathFlag    = "storage-path"
	statusAddrFlag     = "status-addr"
	logLevelFlag       = "log-level"
	logFormatFlag      = "log-format"
)

func nodeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "node",
		Short: "Runs a node",
		RunE:  runNode,
	}
	flags := c.Flags()
	flags.String(networkFlag, "", "network to join (mainnet, testnet or devnet)")
	flags.String(listenFlag, "", "TCP address to accept peers on")
	flags.StringSlice(peerFlag, nil, "peer address to connect to, may be repeated")
	flags.String(storageBackendFlag, "", "storage backend (memory, bolt or pebble)")
	flags.String(storagePathFlag, "", "storage data directory")
	flags.String(statusAddrFlag, "", "address to serve /status and /metrics on")
	flags.String(logLevelFlag, "", "log level (debug, info, warn or error)")
	flags.String(logFormatFlag, "", "log format (text or json)")
	return c
}

// loadConfig loads the config file and environment and applies the flags the
// user set on top
func loadConfig(c *cobra.Command) (*config.Config, error) {
	path, err := c.Flags().GetString(configFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	var errs []error
	flags := c.Flags()
	override := func(name string, dst *string) {
		if !flags.Changed(name) {
			return
		}
		value, err := flags.GetString(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = value
	}
	override(networkFlag, &cfg.Network)
	override(listenFlag, &cfg.Listen)
	override(storageBackendFlag, &cfg.Storage.Backend)
	override(storagePathFlag, &cfg.Storage.Path)
	override(statusAddrFlag, &cfg.StatusAddr)
	override(logLevelFlag, &cfg.Logging.Level)
	override(logFormatFlag, &cfg.Logging.Format)
	if flags.Changed(peerFlag) {
		peers, err := flags.GetStringSlice(peerFlag)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Peers = peers
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	n, err := gochain.New(cfg.NodeOptions(logger)...)
	if err != nil {
		return err
	}
	ctx := c.Context()
	if err := n.Start(ctx); err != nil {
		_ = n.Stop()
		return err
	}
	if cfg.Listen != "" {
		if err := n.Listen(cfg.Listen); err != nil {
			_ = n.Stop()
			return err
		}
	}
	var statusServer *http.Server
	if cfg.StatusAddr != "" {
		statusServer = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           newStatusRouter(n),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info(
				"serving status",
				"address", cfg.StatusAddr,
			)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(
					"status server failed",
					"error", err,
				)
			}
		}()
	}
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-n.ErrorChan():
		runErr = fmt.Errorf("node failed: %w", err)
	}
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statusServer.Shutdown(shutdownCtx)
		cancel()
	}
	return errors.Join(runErr, n.Stop())
}
