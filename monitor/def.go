package monitor

import (
	"TensorPrepServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	HTTPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP API requests by route",
	}, []string{"route"})
	ImagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "images_processed_total",
		Help: "Images turned into tensors, by preset",
	}, []string{"preset"})
	FailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_failures_total",
		Help: "Images that failed, by stage (decode, transform, infer, rank)",
	}, []string{"stage"})
	VerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "golden_verdicts_total",
		Help: "Top-K golden checks by verdict",
	}, []string{"verdict"})
	StageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_duration_seconds",
		Help:    "Time spent per image in each stage",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"stage"})
	WorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workers_busy",
		Help: "Workers currently handling a job",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, GRPCTotal, HTTPTotal, ImagesTotal,
		FailuresTotal, VerdictsTotal, StageSeconds, WorkersBusy)
}

// Observe records how long a stage took since start.
func Observe(stage string, start time.Time) {
	StageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

var srv *http.Server

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	CPUPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and refreshes the process gauges until
// ctx is cancelled.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
