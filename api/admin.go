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

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xferhq/xfer/internal/apierror"
	redlock "github.com/xferhq/xfer/internal/lock"
	"github.com/xferhq/xfer/model"
)

// Reconcile aborts PREPARED transactions older than age_minutes (the configured age when omitted).
//
// Responses:
// - 400 Bad Request: age_minutes is not a non-negative integer.
// - 409 Conflict: another sweep holds the lock.
// - 200 OK: {"performed": [...]} listing every aborted transaction.
func (a Api) Reconcile(c *gin.Context) {
	age := a.xfer.Config().Transaction.ReconcileAge()
	if raw := c.Query("age_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "age_minutes must be a non-negative integer"})
			return
		}
		age = time.Duration(minutes) * time.Minute
	}

	actions, err := a.xfer.ReconcileExclusive(c.Request.Context(), age)
	if errors.Is(err, redlock.ErrLockHeld) {
		c.JSON(http.StatusConflict, gin.H{"error": "reconciliation already running"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if actions == nil {
		actions = []model.ReconcileAction{}
	}
	c.JSON(http.StatusOK, gin.H{"performed": actions})
}

func (a Api) Health(c *gin.Context) {
	c.JSON(http.StatusOK, a.xfer.Health())
}

// Balance reports which participant can currently be reached for account_id.
func (a Api) Balance(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id must be an integer"})
		return
	}

	probe, err := a.xfer.ProbeBalance(c.Request.Context(), accountID)
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": apiErr.Message, "errors": apiErr.Details})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, probe)
}
