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
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

// reconcileCommands runs one reconciliation sweep, either here or, with --async, on the workers.
func reconcileCommands(x *xferInstance) *cobra.Command {
	var ageMinutes int
	var async bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "abort PREPARED transactions older than the reconciliation age",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			if async {
				if x.queue == nil {
					log.Fatal("--async needs redis; set redis.dns")
				}
				enqueued, err := x.queue.EnqueueReconcile(ctx)
				if err != nil {
					log.Fatalf("could not enqueue reconciliation: %v", err)
				}
				if !enqueued {
					fmt.Println("Reconciliation already pending")
					return
				}
				fmt.Println("Reconciliation enqueued")
				return
			}

			age := x.cnf.Transaction.ReconcileAge()
			if ageMinutes >= 0 {
				age = time.Duration(ageMinutes) * time.Minute
			}
			actions, err := x.xfer.ReconcileExclusive(ctx, age)
			if err != nil {
				log.Fatalf("reconciliation failed: %v", err)
			}

			data, err := json.MarshalIndent(map[string]interface{}{"performed": actions}, "", "    ")
			if err != nil {
				log.Fatal(err)
			}
			fmt.Println(string(data))
		},
	}

	cmd.Flags().IntVar(&ageMinutes, "age-minutes", -1, "age in minutes after which a PREPARED transaction is aborted (default: configured value)")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the sweep for the workers instead of running it here")
	return cmd
}
