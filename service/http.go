package service

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/logger"
	"TensorPrepServer/monitor"
	"TensorPrepServer/preset"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxUploadBytes bounds one encoded image, over HTTP and over the stream.
var maxUploadBytes int64 = 20 * 1024 * 1024

var ErrTooLarge = errors.New("image exceeds the upload limit")

type HTTPOptions struct {
	// Presets by name; Default is used when a request names none.
	Presets        map[string]preset.Preset
	Default        string
	TopK           int
	RequestTimeout time.Duration
}

type api struct {
	pool *Pool
	opts HTTPOptions
}

func NewRouter(pool *Pool, opts HTTPOptions) *gin.Engine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	a := &api{pool: pool, opts: opts}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/labels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": pool.Labels()})
	})
	r.GET("/api/workers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"running": pool.Running()}})
	})
	r.GET("/api/accuracy", func(c *gin.Context) {
		acc := pool.Accuracy()
		if acc == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no golden manifest loaded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": acc.Snapshot()})
	})
	r.POST("/api/classify", a.classify)
	r.POST("/api/preprocess/:preset", a.preprocess)
	r.GET("/ws/classify", a.stream)
	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		monitor.HTTPTotal.WithLabelValues(route).Inc()
		logger.Log().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (a *api) lookupPreset(name string) (preset.Preset, bool) {
	if name == "" {
		name = a.opts.Default
	}
	p, ok := a.opts.Presets[name]
	return p, ok
}

// readImage takes the multipart "image" field when present, else the raw body.
func readImage(c *gin.Context) ([]byte, string, error) {
	if fh, err := c.FormFile("image"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := readLimited(f)
		return data, filepath.Base(fh.Filename), err
	}
	data, err := readLimited(c.Request.Body)
	return data, c.Query("name"), err
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxUploadBytes {
		return nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, maxUploadBytes)
	}
	return data, nil
}

// badUpload answers a request whose image could not be read.
func badUpload(c *gin.Context, data []byte, err error) bool {
	switch {
	case errors.Is(err, ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case err != nil || len(data) == 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image in request"})
	default:
		return false
	}
	return true
}

func (a *api) classify(c *gin.Context) {
	p, ok := a.lookupPreset(c.Query("preset"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown preset " + c.Query("preset")})
		return
	}
	k := a.opts.TopK
	if ks := c.Query("k"); ks != "" {
		v, err := strconv.Atoi(ks)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid k"})
			return
		}
		k = v
	}
	data, name, err := readImage(c)
	if badUpload(c, data, err) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.RequestTimeout)
	defer cancel()
	res, err := a.pool.Submit(ctx, Job{Kind: JobClassify, Name: name, Image: data, Preset: p, K: k})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (a *api) preprocess(c *gin.Context) {
	p, ok := a.lookupPreset(c.Param("preset"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown preset " + c.Param("preset")})
		return
	}
	data, name, err := readImage(c)
	if badUpload(c, data, err) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.RequestTimeout)
	defer cancel()
	res, err := a.pool.Submit(ctx, Job{Kind: JobPreprocess, Name: name, Image: data, Preset: p})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	out := gin.H{"origShape": res.OrigShape, "tensorShape": res.TensorShape}
	if c.Query("data") == "true" {
		out["tensor"] = res.Tensor
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, iface.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, iface.ErrConfiguration),
		errors.Is(err, iface.ErrUnsupportedFormat),
		errors.Is(err, iface.ErrRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
