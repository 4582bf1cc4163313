// Copyright 2025 Supabase, Inc.
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

// pgpoolctl loads a pgpool.Config from flags, environment, and an optional
// config file, opens a pool against it, and runs a single diagnostic
// command against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/multigres/pgpool/internal/poolconfig"
	"github.com/multigres/pgpool/pgpool"
	"github.com/multigres/pgpool/pqfactory"
)

var configFile string

var Main = &cobra.Command{
	Use:   "pgpoolctl",
	Short: "pgpoolctl opens a pgpool connection pool and runs diagnostic commands against it.",
	Args:  cobra.NoArgs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Acquire and release one connection, then print the resulting pool statistics as JSON.",
	Args:  cobra.NoArgs,
	RunE:  runE,
}

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runE(cmd *cobra.Command, args []string) error {
	settings, err := poolconfig.Load(cmd.Flags(), configFile)
	if err != nil {
		return fmt.Errorf("pgpoolctl: load config: %w", err)
	}

	factory := pqfactory.NewFactory(settings.DSN)
	cfg := settings.PoolConfig()

	pool, err := pgpool.NewPool(factory, cfg, nil, "pgpoolctl")
	if err != nil {
		return fmt.Errorf("pgpoolctl: new pool: %w", err)
	}

	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgpoolctl: acquire: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("pgpoolctl: release: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pool.Stats())
}

func init() {
	Main.PersistentFlags().StringVar(&configFile, "config-file", "", "Full path of an optional YAML/JSON/TOML config file.")
	poolconfig.RegisterFlags(statsCmd.Flags())
	Main.AddCommand(statsCmd)
}
