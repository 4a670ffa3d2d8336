package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/asset-pipeline/internal/api/handlers/batch"
	"github.com/aliskhannn/asset-pipeline/internal/api/handlers/job"
	"github.com/aliskhannn/asset-pipeline/internal/api/handlers/pipeline"
	"github.com/aliskhannn/asset-pipeline/internal/api/handlers/retention"
	"github.com/aliskhannn/asset-pipeline/internal/api/respond"
	"github.com/aliskhannn/asset-pipeline/internal/middleware"
)

func Setup(bh *batch.Handler, jh *job.Handler, ph *pipeline.Handler, rh *retention.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.GET("/health", func(c *ginext.Context) {
		respond.JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	})

	api.POST("/batches", bh.Upload)                // multipart submission
	api.GET("/batches", bh.List)                   // filtered, paginated list
	api.GET("/batches/stats", bh.Stats)            // totals by status
	api.GET("/batches/:id", bh.Get)                // batch with its jobs
	api.DELETE("/batches/:id", bh.Delete)          // batch, jobs and files
	api.PATCH("/batches/:id/name", bh.Rename)      // custom display name
	api.DELETE("/batches/:id/name", bh.ResetName)  // back to the derived name
	api.GET("/batches/:id/download", bh.Download)  // zip of completed outputs
	api.GET("/stats/dashboard", bh.Dashboard)      // recent job counts
	api.GET("/jobs/stats/dashboard", bh.Dashboard) // same, legacy path

	api.POST("/jobs", bh.SubmitJob)            // single file
	api.POST("/jobs/batch", bh.SubmitJSON)     // base64 files
	api.GET("/jobs/batch/:id", bh.Get)         // batch with its jobs, legacy path
	api.GET("/jobs/:id", jh.Get)               // job with diagnostics
	api.DELETE("/jobs/:id", jh.Delete)         // job and its outputs
	api.GET("/jobs/:id/download", jh.Download) // one output or zip

	api.GET("/pipelines", ph.List) // ?archived=true|false
	api.POST("/pipelines", ph.Create)
	api.GET("/pipelines/:id", ph.Get)
	api.PUT("/pipelines/:id", ph.Update) // bumps version
	api.DELETE("/pipelines/:id", ph.Delete)
	api.PATCH("/pipelines/:id/archive", ph.Archive)
	api.PATCH("/pipelines/:id/unarchive", ph.Unarchive)

	api.GET("/retention/preview", rh.Preview)

	return r
}
