package service

import (
	"TensorPrepServer/logger"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	idleTimeout = 30 * time.Second
)

// streamRequest is one text frame. A frame that is not a JSON object is
// read as a bare base64 image.
type streamRequest struct {
	Image  string `json:"image"`
	Name   string `json:"name"`
	K      int    `json:"k"`
	Preset string `json:"preset"`
}

type streamReply struct {
	Data  *JobResult `json:"data,omitempty"`
	Error string     `json:"error,omitempty"`
}

// decodeBase64 accepts plain base64 or a data:image/...;base64, URL.
func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ","); i != -1 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// stream classifies every message of a websocket session: text frames carry
// a streamRequest or a base64 image, binary frames raw encoded bytes. The
// ?preset= query sets the session default. The session ends after
// idleTimeout without a message.
func (a *api) stream(c *gin.Context) {
	p, ok := a.lookupPreset(c.Query("preset"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown preset " + c.Query("preset")})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	// base64 inflates by a third, plus room for the JSON envelope
	conn.SetReadLimit(maxUploadBytes*4/3 + 64*1024)
	log := logger.Named("stream")

	for seq := 0; ; seq++ {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			log.Debug("stream closed", zap.Error(err))
			return
		}
		job := Job{Kind: JobClassify, Preset: p, K: a.opts.TopK}
		switch mt {
		case websocket.TextMessage:
			if err := a.parseStreamRequest(msg, &job); err != nil {
				_ = conn.WriteJSON(streamReply{Error: err.Error()})
				continue
			}
		case websocket.BinaryMessage:
			job.Image = msg
		default:
			_ = conn.WriteJSON(streamReply{Error: "unsupported message type"})
			continue
		}
		if int64(len(job.Image)) > maxUploadBytes {
			_ = conn.WriteJSON(streamReply{Error: ErrTooLarge.Error()})
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), a.opts.RequestTimeout)
		res, err := a.pool.Submit(ctx, job)
		cancel()
		if err != nil {
			_ = conn.WriteJSON(streamReply{Error: err.Error()})
			continue
		}
		if err := conn.WriteJSON(streamReply{Data: &res}); err != nil {
			log.Warn("stream write failed", zap.Int("message", seq), zap.Error(err))
			return
		}
	}
}

func (a *api) parseStreamRequest(msg []byte, job *Job) error {
	text := strings.TrimSpace(string(msg))
	if !strings.HasPrefix(text, "{") {
		data, err := decodeBase64(text)
		if err != nil {
			return fmt.Errorf("invalid image: %w", err)
		}
		job.Image = data
		return nil
	}
	var req streamRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if req.Preset != "" {
		p, ok := a.lookupPreset(req.Preset)
		if !ok {
			return fmt.Errorf("unknown preset %s", req.Preset)
		}
		job.Preset = p
	}
	if req.K < 0 {
		return fmt.Errorf("invalid k %d", req.K)
	}
	if req.K > 0 {
		job.K = req.K
	}
	data, err := decodeBase64(req.Image)
	if err != nil {
		return fmt.Errorf("invalid image: %w", err)
	}
	if len(data) == 0 {
		return errors.New("no image in request")
	}
	job.Image = data
	job.Name = req.Name
	return nil
}
