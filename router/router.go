package router

import (
	"github.com/courseloom/courseloom/handler"
	metricsgin "github.com/courseloom/courseloom/pkg/metrics/gin"
	"github.com/gin-gonic/gin"
)

func Setup(
	courseHandler *handler.CourseHandler,
	treeHandler *handler.TreeHandler,
	mappingHandler *handler.MappingHandler,
	generationHandler *handler.GenerationHandler,
	jobHandler *handler.JobHandler,
) *gin.Engine {
	r := gin.Default()
	r.Use(metricsgin.PrometheusMiddleware("api"))

	api := r.Group("/api")
	{
		api.POST("/courses", courseHandler.Create)
		api.GET("/courses", courseHandler.List)
		api.GET("/courses/:course_id", courseHandler.Get)

		api.POST("/courses/:course_id/nodes", treeHandler.CreateNode)
		api.GET("/courses/:course_id/nodes", treeHandler.ListNodes)
		api.POST("/nodes/:node_id/move", treeHandler.MoveNode)
		api.DELETE("/nodes/:node_id", treeHandler.DeleteNode)

		api.POST("/nodes/:node_id/entries", treeHandler.CreateEntry)
		api.GET("/nodes/:node_id/entries", treeHandler.ListEntries)
		api.POST("/entries/:entry_id/source", treeHandler.UpdateSource)

		api.POST("/nodes/:node_id/mappings", mappingHandler.Create)
		api.POST("/nodes/:node_id/mappings/batch", mappingHandler.CreateBatch)
		api.GET("/nodes/:node_id/mappings", mappingHandler.List)

		api.POST("/courses/:course_id/generate", generationHandler.Generate)
		api.GET("/courses/:course_id/snapshots/latest", generationHandler.LatestSnapshot)
		api.GET("/snapshots/:snapshot_id", generationHandler.GetSnapshot)

		api.GET("/jobs/:job_id", jobHandler.Get)
		api.GET("/courses/:course_id/jobs", jobHandler.ListByCourse)
	}
	return r
}
