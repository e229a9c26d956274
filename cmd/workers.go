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
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xferhq/xfer"
	"github.com/xferhq/xfer/config"
)

func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.WebhookQueue:   3,
		conf.Queue.ReconcileQueue: 1,
	}
}

func initializeWorkerServer(redisOpt asynq.RedisClientOpt, queues map[string]int) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      queues,
	})
}

func initializeTaskHandlers(x *xferInstance, mux *asynq.ServeMux) {
	webhooks := xfer.NewWebhookProcessor(x.cnf)
	mux.HandleFunc(x.cnf.Queue.WebhookQueue, webhooks.ProcessWebhook)
	mux.HandleFunc(x.cnf.Queue.ReconcileQueue, x.xfer.ProcessReconcileTask)
}

// initializeScheduler registers the periodic reconciliation task.
func initializeScheduler(conf *config.Configuration, redisOpt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, nil)
	cronspec := fmt.Sprintf("@every %s", conf.Transaction.ReconcileInterval())
	entryID, err := scheduler.Register(cronspec, xfer.ReconcileTask(conf.Queue.ReconcileQueue))
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"entry_id": entryID, "cronspec": cronspec}).Info("reconciliation scheduled")
	return scheduler, nil
}

func startMonitoring(conf *config.Configuration, redisOpt asynq.RedisClientOpt) {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOpt,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands defines the "workers" command. Workers deliver webhooks and run the scheduled
// reconciliation sweep; both need Redis.
func workerCommands(x *xferInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start the coordinator workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := x.cnf
			if conf.Redis.Dns == "" {
				log.Fatal("workers need redis; set redis.dns")
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			redisOpt, err := xfer.RedisConnOpt(conf)
			if err != nil {
				log.Fatalf("error parsing Redis URL: %v", err)
			}

			srv := initializeWorkerServer(redisOpt, initializeQueues(conf))
			mux := asynq.NewServeMux()
			initializeTaskHandlers(x, mux)

			scheduler, err := initializeScheduler(conf, redisOpt)
			if err != nil {
				log.Fatalf("could not register reconciliation task: %v", err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			startMonitoring(conf, redisOpt)

			if err := srv.Run(mux); err != nil {
				x.notifier.NotifyError(err)
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
