/*
Copyright 2024 Xfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xferhq/xfer"
	"github.com/xferhq/xfer/config"
	"github.com/xferhq/xfer/database"
	"github.com/xferhq/xfer/internal/cache"
	"github.com/xferhq/xfer/internal/metrics"
	"github.com/xferhq/xfer/internal/notification"
	redis_db "github.com/xferhq/xfer/internal/redis-db"
)

// Xfer is the CLI application wrapping the root cobra command.
type Xfer struct {
	cmd *cobra.Command
}

// xferInstance carries what every subcommand needs once the configuration is loaded.
type xferInstance struct {
	xfer       *xfer.Xfer
	cnf        *config.Configuration
	datasource *database.Datasource
	redis      *redis_db.Redis
	queue      *xfer.Queue
	notifier   *notification.Notifier
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *xferInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cnf, err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config ", err)
		}
		app.cnf = cnf
		app.notifier = notification.New(cnf.Notification.Slack.WebhookUrl, cnf.ProjectName)

		if err := setupXfer(app); err != nil {
			app.notifier.NotifyError(err)
			log.Fatal(err)
		}
		return nil
	}
}

// setupXfer connects the store and, when Redis is configured, the cache, sweep lock and task queue.
func setupXfer(app *xferInstance) error {
	cfg := app.cnf
	opts := []xfer.Option{
		xfer.WithMetrics(metrics.New()),
		xfer.WithNotifier(app.notifier),
	}

	var c cache.Cache
	if cfg.Redis.Dns != "" {
		rdb, err := redis_db.NewRedisClient(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
		if err != nil {
			return fmt.Errorf("error connecting to redis: %v", err)
		}
		queue, err := xfer.NewQueue(cfg)
		if err != nil {
			return fmt.Errorf("error creating queue: %v", err)
		}
		app.redis = rdb
		app.queue = queue
		c = cache.NewCache(rdb.Client())
		opts = append(opts, xfer.WithRedis(rdb.Client()), xfer.WithQueue(queue))
	}

	db, err := database.NewDataSource(cfg, c)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}
	app.datasource = db
	app.xfer = xfer.NewXfer(cfg, db, opts...)
	return nil
}

// close releases the connections opened in preRun.
func (app *xferInstance) close() {
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close queue")
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close redis")
		}
	}
	if app.datasource != nil {
		if err := app.datasource.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close database")
		}
	}
}

func NewCLI() *Xfer {
	var configFile string
	x := &xferInstance{}

	var rootCmd = &cobra.Command{
		Use:   "xfer",
		Short: "Two-phase commit coordinator for cross-bank transfers",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./xfer.json", "Configuration file for the coordinator")
	rootCmd.PersistentPreRunE = preRun(x, &configFile)
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) { x.close() }

	rootCmd.AddCommand(serverCommands(x))
	rootCmd.AddCommand(workerCommands(x))
	rootCmd.AddCommand(migrateCommands(x))
	rootCmd.AddCommand(reconcileCommands(x))
	rootCmd.AddCommand(configCommands(x))

	return &Xfer{cmd: rootCmd}
}

func (w Xfer) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
