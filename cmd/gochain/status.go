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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/blinklabs-io/gochain"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newStatusRouter(n *gochain.Node) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", statusHandler(n)).Methods(http.MethodGet)
	router.Handle(
		"/metrics",
		promhttp.HandlerFor(n.Registry(), promhttp.HandlerOpts{}),
	).Methods(http.MethodGet)
	return router
}

func statusHandler(n *gochain.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(n.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func statusCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Prints the status of a running node",
		RunE:  runStatus,
	}
	addStatusFlags(c.Flags())
	return c
}

func addStatusFlags(flags *pflag.FlagSet) {
	flags.String(statusAddrFlag, "", "status address of the node (defaults to the configured one)")
	flags.Duration("timeout", 5*time.Second, "request timeout")
}

func runStatus(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.StatusAddr == "" {
		return errors.New("no status address configured")
	}
	timeout, err := c.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(
		c.Context(),
		http.MethodGet,
		statusURL(cfg.StatusAddr),
		nil,
	)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status request failed: %s: %s", resp.Status, body)
	}
	var status gochain.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

// statusURL accepts host:port as well as a bare :port
func statusURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/status"
}
