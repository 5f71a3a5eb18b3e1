// Package admin serves a heap over HTTP: snapshots, explicit collections,
// resizing and a live stream of collection events.
package admin

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"gengc/config"
	"gengc/gclog"
	"gengc/heap"
	"gengc/memory"
)

var logger *log.Logger

func init() {
	SetLoggerOutput(os.Stderr)
}

func SetLoggerOutput(w io.Writer) {
	logger = log.New(w, "", log.LstdFlags)
}

// Server is the admin surface of one heap.
type Server struct {
	heap    *heap.Heap
	cfg     config.Admin
	engine  *gin.Engine
	limiter *slideWindowLimiter
	srv     *http.Server
}

type gcRequest struct {
	Requested uint64 `json:"requested"`
}

type resizeRequest struct {
	Delta uint64 `json:"delta" binding:"required,min=1"`
}

func New(h *heap.Heap, cfg config.Admin) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{heap: h, cfg: cfg, engine: gin.New()}
	s.engine.Use(gin.Recovery())
	if cfg.GCLimit > 0 {
		opts := []limiterOption{withMaxPassingPerWindow(int64(cfg.GCLimit))}
		if w := cfg.GCWindow.Std(); w > 0 {
			opts = append(opts, withWindowSize(w))
		}
		s.limiter = newLimiter(opts...)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.engine.Group("/heap")
	g.GET("", s.snapshot)
	gc := []gin.HandlerFunc{s.collect}
	if s.limiter != nil {
		gc = append([]gin.HandlerFunc{s.limiter.Middleware()}, gc...)
	}
	g.POST("/gc", gc...)
	g.POST("/grow", s.grow)
	g.POST("/shrink", s.shrink)
	g.GET("/events", s.events)
	g.GET("/events/recent", s.recent)
}

// Handler returns the router, wrapped for cleartext HTTP/2 when enabled.
func (s *Server) Handler() http.Handler {
	if !s.cfg.H2C {
		return s.engine
	}
	return h2c.NewHandler(s.engine, &http2.Server{})
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Printf("ADMIN:listening on %s (h2c %v)\n", s.cfg.Addr, s.cfg.H2C)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, heap.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// write encodes v in the format named by the format query parameter.
func write(c *gin.Context, v any) {
	data, contentType, err := gclog.Encode(c.Query("format"), v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) snapshot(c *gin.Context) {
	st, err := s.heap.Stats()
	if err != nil {
		fail(c, err)
		return
	}
	write(c, st)
}

func (s *Server) collect(c *gin.Context) {
	var req gcRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	satisfied := s.heap.CollectGarbage(memory.Size(req.Requested))
	c.JSON(http.StatusOK, gin.H{"satisfied": satisfied})
}

func (s *Server) grow(c *gin.Context) {
	s.resize(c, s.heap.IncreaseMemory)
}

func (s *Server) shrink(c *gin.Context) {
	s.resize(c, s.heap.DecreaseMemory)
}

func (s *Server) resize(c *gin.Context, op func(memory.Size) (bool, error)) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resized, err := op(memory.Size(req.Delta))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resized": resized})
}

func (s *Server) recent(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "0"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "n must be a number"})
		return
	}
	write(c, gin.H{"events": s.heap.Events().Recent(n)})
}

// events streams collection events as server-sent events until the client
// goes away or the journal closes.
func (s *Server) events(c *gin.Context) {
	ch, cancel := s.heap.Events().Subscribe(64)
	defer cancel()
	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    strconv.FormatUint(e.Seq, 10),
				Event: string(e.Kind),
				Data:  e,
			})
			return true
		case <-ctx.Done():
			return false
		}
	})
}
