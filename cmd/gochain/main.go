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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const configFlag = "config"

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "gochain",
		Short:         "Chain synchronization node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.PersistentFlags().String(configFlag, "", "path to a YAML config file (defaults to $GOCHAIN_CONFIG)")
	c.AddCommand(
		nodeCommand(),
		statusCommand(),
		mocknetCommand(),
	)
	return c
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
