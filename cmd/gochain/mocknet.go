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
	"fmt"
	"os"
	"time"

	"github.com/blinklabs-io/gochain/config"
	"github.com/blinklabs-io/gochain/internal/test/mocknet"
	"github.com/spf13/cobra"
)

func mocknetCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "mocknet",
		Short: "Runs an in-process devnet and waits for every node to sync",
		RunE:  runMocknet,
	}
	flags := c.Flags()
	flags.Int("nodes", 4, "number of nodes")
	flags.Int("blocks", 200, "length of the chain the first node starts with")
	flags.Int("tx-per-block", 2, "transactions per generated block")
	flags.Duration("timeout", time.Minute, "time allowed for every node to sync")
	flags.String(logLevelFlag, "info", "log level (debug, info, warn or error)")
	return c
}

func runMocknet(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	nodes, err := flags.GetInt("nodes")
	if err != nil {
		return err
	}
	blocks, err := flags.GetInt("blocks")
	if err != nil {
		return err
	}
	txPerBlock, err := flags.GetInt("tx-per-block")
	if err != nil {
		return err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return err
	}
	logLevel, err := flags.GetString(logLevelFlag)
	if err != nil {
		return err
	}
	logger, err := config.LoggingConfig{Level: logLevel, Format: "text"}.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	m, err := mocknet.New(
		mocknet.Config{
			Nodes:      nodes,
			Blocks:     blocks,
			TxPerBlock: txPerBlock,
			Logger:     logger,
		},
	)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context(), timeout)
	defer cancel()
	start := time.Now()
	err = m.Start(ctx)
	if err == nil {
		err = m.Wait(ctx)
	}
	synced := m.SyncedCount()
	tip := m.Tip()
	stopErr := m.Stop()
	fmt.Printf(
		"%d of %d nodes synced to height %d in %s\n",
		synced,
		nodes,
		tip.Height,
		time.Since(start).Round(time.Millisecond),
	)
	if err != nil {
		return err
	}
	return stopErr
}
