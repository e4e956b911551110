// api/router.go
package api

import (
	"net/http"

	"featherdb/internal/engine"
	"featherdb/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter собирает маршруты HTTP поверх движка.
func NewRouter(d Doer, log *zap.Logger, actor ActorOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLog(log.Named("http")))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	apiGroup := r.Group("/api", Actor(actor))
	{
		apiGroup.POST("/do", DoHandler(d))

		// feathers и каталог — статические маршруты СНАЧАЛА
		apiGroup.GET("/catalog", verbHandler(d, engine.MethodGet, engine.VerbGetCatalog))
		apiGroup.GET("/feather/:id", verbHandler(d, engine.MethodGet, engine.VerbGetFeather))
		apiGroup.PUT("/feather", verbHandler(d, engine.MethodPut, engine.VerbSaveFeather))
		apiGroup.POST("/feather", verbHandler(d, engine.MethodPost, engine.VerbSaveFeather))
		apiGroup.DELETE("/feather/:id", verbHandler(d, engine.MethodDelete, engine.VerbDeleteFeather))

		apiGroup.GET("/authorization", IsAuthorizedHandler(d))
		apiGroup.POST("/authorization", verbHandler(d, engine.MethodPost, engine.VerbSaveAuthorization))
		apiGroup.POST("/role", verbHandler(d, engine.MethodPost, engine.VerbGrantRole))
		apiGroup.DELETE("/role", verbHandler(d, engine.MethodDelete, engine.VerbGrantRole))

		apiGroup.POST("/lock/:id", verbHandler(d, engine.MethodPost, engine.VerbLock))
		apiGroup.DELETE("/lock/:id", verbHandler(d, engine.MethodDelete, engine.VerbUnlock))

		// обычные CRUD
		apiGroup.GET("/data/:feather", ListHandler(d))
		apiGroup.POST("/data/:feather", CreateHandler(d))
		apiGroup.GET("/data/:feather/:id", GetOneHandler(d))
		apiGroup.PATCH("/data/:feather/:id", PatchHandler(d))
		apiGroup.PUT("/data/:feather/:id", UpsertHandler(d))
		apiGroup.PUT("/data/:feather", UpsertHandler(d))
		apiGroup.DELETE("/data/:feather/:id", DeleteHandler(d))
	}
	return r
}
