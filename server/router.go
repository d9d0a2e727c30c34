package server

import (
	"github.com/gin-gonic/gin"

	"github.com/krau/snaptag/pipeline"
)

func NewRouter(coord *pipeline.Coordinator, token string, maxUpload int64) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if maxUpload > 0 {
		r.MaxMultipartMemory = maxUpload
	}

	h := NewHandler(coord, maxUpload)
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1", AuthMiddleware(token))
	v1.GET("/state", h.State)
	v1.GET("/events", h.Events)
	v1.POST("/acquire/:source", h.Acquire)
	v1.POST("/retry", h.Retry)
	v1.POST("/model/reload", h.ReloadModel)
	return r
}
