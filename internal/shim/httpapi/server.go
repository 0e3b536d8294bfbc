// Package httpapi is the shim's introspection surface: task state, resource
// usage, the metrics endpoint and a websocket tap on the event stream. It is
// read-only; lifecycle mutations go through the gRPC task service.
package httpapi

import (
	"net/http"
	"time"

	"wasmshim/internal/common/http/middleware"
	"wasmshim/internal/shim/journal"
	"wasmshim/internal/shim/metrics"
	"wasmshim/internal/shim/task"
	"wasmshim/pkg/utils/logger"
	"wasmshim/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Controller handles introspection requests.
type Controller struct {
	service *task.Service
	journal *journal.Journal
	hub     *Hub
	started time.Time
}

// NewController creates a controller. The journal may be nil when the exit
// record store is not configured.
func NewController(svc *task.Service, j *journal.Journal, hub *Hub) *Controller {
	return &Controller{service: svc, journal: j, hub: hub, started: time.Now()}
}

// BuildServer assembles the gin router and the http server around it.
func BuildServer(cfg ServerConfig, ctrl *Controller) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", ctrl.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws/events", func(c *gin.Context) {
		ctrl.hub.Serve(c.Writer, c.Request)
	})

	api := router.Group("/api/v1")
	api.GET("/tasks", ctrl.ListTasks)
	api.GET("/tasks/:id", ctrl.GetTask)
	api.GET("/tasks/:id/stats", ctrl.GetStats)
	api.GET("/tasks/:id/pids", ctrl.GetPids)
	api.GET("/tasks/:id/exit", ctrl.GetExitRecord)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Health reports liveness and the journal connection when configured.
func (h *Controller) Health(c *gin.Context) {
	status := gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
		"tasks":  len(h.service.Tasks()),
	}
	if h.journal != nil {
		if err := h.journal.Ping(c.Request.Context()); err != nil {
			status["journal"] = "unreachable"
		} else {
			status["journal"] = "ok"
		}
	}
	response.Success(c, status)
}

// ListTasks returns the ids of every admitted task.
func (h *Controller) ListTasks(c *gin.Context) {
	response.Success(c, gin.H{"tasks": h.service.Tasks()})
}

// GetTask returns the state snapshot for one task or exec process.
func (h *Controller) GetTask(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	st, err := h.service.State(c.Request.Context(), taskID, c.Query("exec_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{
		"task_id":    st.Entry.TaskID,
		"exec_id":    st.Entry.ExecID,
		"state":      st.Entry.State.String(),
		"task_state": st.TaskState.String(),
		"pid":        st.Entry.Pid,
		"exit_code":  st.Entry.ExitCode,
		"reason":     st.Entry.Reason,
		"bundle":     st.Bundle,
		"created_at": st.CreatedAt,
	})
}

// GetStats returns the task's resource usage snapshot.
func (h *Controller) GetStats(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// GetPids returns the task's live pids.
func (h *Controller) GetPids(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	pids, err := h.service.Pids(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"pids": pids})
}

// GetExitRecord resolves the persisted exit record, surviving task deletion.
func (h *Controller) GetExitRecord(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	if h.journal == nil {
		response.NotFound(c, "exit record store is not configured")
		return
	}
	rec, err := h.journal.Lookup(c.Request.Context(), taskID, c.Query("exec_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
