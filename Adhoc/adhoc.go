package Adhoc

import (
	"TensorPrepServer/logger"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

// ParseInstanceClass maps the config spelling to an instance class,
// falling back to Cpu.
func ParseInstanceClass(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "dml":
		return DmlInstance, true
	case "cuda":
		return CudaInstance, true
	case "rocm":
		return RocmInstance, true
	case "cpu":
		return CpuInstance, true
	}
	return CpuInstance, false
}

type RegisterRequest struct {
	Id            string   `json:"id"`
	IP            string   `json:"ip"`
	Port          int      `json:"port"`
	RPCPort       int      `json:"rpcPort"`
	InstanceClass int      `json:"instanceClass"`
	Presets       []string `json:"presets"`
	Workers       int      `json:"workers"`
	TimeStamp     int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Heartbeat announces this instance to a registry server at a fixed interval.
type Heartbeat struct {
	Registry RegServerConfig
	Interval time.Duration
	Request  RegisterRequest
	client   *resty.Client
}

func NewHeartbeat(reg RegServerConfig, req RegisterRequest) *Heartbeat {
	if req.Id == "" {
		req.Id = uuid.NewString()
	}
	return &Heartbeat{
		Registry: reg,
		Interval: TimeOutSeconds * time.Second,
		Request:  req,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

// SendOnce posts one registration and reports whether the registry accepted it.
func (h *Heartbeat) SendOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic recovered: %v", r)
		}
	}()
	var respBody RegisterResponse
	req := h.Request
	req.TimeStamp = time.Now().Unix()
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&respBody).
		Post(h.Registry.URL())
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry rejected instance %s", req.Id)
	}
	return nil
}

// SendAliveMessage keeps registering until ctx is cancelled.
func (h *Heartbeat) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	beat := func() {
		if err := h.SendOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Error("heartbeat failed", zap.String("registry", h.Registry.URL()), zap.Error(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			beat()
		}
	}
}

func GetOutboundIP() (string, error) {
	// no packet is sent; dialing UDP only selects the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
