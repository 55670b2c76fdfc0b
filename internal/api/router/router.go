package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/image-pipeline/internal/api/handlers/image"
	"github.com/aliskhannn/image-pipeline/internal/api/middleware"
)

func Setup(h *image.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", h.Health)

	api := r.Group("/api")

	api.POST("/images", h.Upload) // upload an image and queue processing
	api.GET("/images", h.List)
	api.GET("/images/:id", h.Get)
	api.GET("/images/:id/thumbnails/:size", h.GetThumbnail)
	api.DELETE("/images/:id", h.Delete)
	api.GET("/stats", h.Stats)

	return r
}
