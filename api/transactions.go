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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	model2 "github.com/xferhq/xfer/api/model"
	"github.com/xferhq/xfer/model"
)

// Transfer runs one coordinated transfer and answers with its final record.
//
// Responses:
// - 400 Bad Request: malformed body, missing accounts or a non-positive amount.
// - 201 Created: the transfer finished, committed or aborted.
// - 500 Internal Server Error: the outcome could not be stored.
func (a Api) Transfer(c *gin.Context) {
	var req model2.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	record, err := a.xfer.StartTransfer(c.Request.Context(), decimal.NewFromFloat(req.Amount), *req.FromAccount, *req.ToAccount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model2.NewTransferResponse(record))
}

func (a Api) GetTransaction(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	record, err := a.xfer.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model2.NewTransferResponse(record))
}

// GetAllTransactions lists the most recent transactions, newest first. limit defaults to 50.
func (a Api) GetAllTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}

	records, err := a.xfer.ListTransactions(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	summaries := make([]model.TransactionSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, r.Summary())
	}
	c.JSON(http.StatusOK, summaries)
}
