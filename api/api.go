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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/xferhq/xfer"
	"github.com/xferhq/xfer/api/middleware"
	"github.com/xferhq/xfer/internal/apierror"
)

type Api struct {
	xfer   *xfer.Xfer
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/transfer", a.Transfer)
	router.GET("/transactions/:id", a.GetTransaction)
	router.GET("/transactions", a.GetAllTransactions)

	router.POST("/admin/reconcile", a.Reconcile)

	router.GET("/health", a.Health)
	router.GET("/balance/:account_id", a.Balance)
	router.GET("/metrics", gin.WrapH(a.xfer.Metrics().Handler()))
	return a.router
}

// NewAPI builds the gin engine with tracing, rate limiting and, when the server runs in secure
// mode, the shared secret check.
func NewAPI(x *xfer.Xfer) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := x.Config()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{xfer: x, router: r}
}

// respondError writes err with the status its apierror code maps to.
func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}
