package service

import (
	"TensorPrepServer/eval"
	iface "TensorPrepServer/interface"
	"TensorPrepServer/preset"
	"TensorPrepServer/tensor"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var labels = []string{"cat", "dog", "fox"}

type MockBackend struct {
	delay     time.Duration
	panicNext atomic.Bool
	destroyed atomic.Bool
	calls     atomic.Int32
}

func (m *MockBackend) Load(cfg iface.EngineConfig) error { return nil }

func (m *MockBackend) Infer(input []float32, shape []int) ([]float32, error) {
	m.calls.Add(1)
	time.Sleep(m.delay)
	if m.panicNext.Swap(false) {
		panic("mock backend exploded")
	}
	out := make([]float32, 0, 3*shape[0])
	for i := 0; i < shape[0]; i++ {
		out = append(out, 0.1, 0.9, 0.3)
	}
	return out, nil
}

func (m *MockBackend) Destroy() { m.destroyed.Store(true) }

func (m *MockBackend) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{ModelPath: "mock", OutputSize: 3}
}

type mockDecoder struct{}

func (mockDecoder) DecodeBytes(data []byte) (tensor.Buffer, error) {
	if string(data) == "bad" {
		return tensor.Buffer{}, fmt.Errorf("%w: mock cannot read it", iface.ErrUnsupportedFormat)
	}
	b, err := tensor.NewUint8(8, 8, 3, nil)
	for i := range b.U8 {
		b.U8[i] = uint8(i)
	}
	return b, err
}

func smallPreset() preset.Preset {
	p := preset.DefaultClassification()
	p.Width, p.Height = 4, 4
	return preset.Preset{Kind: preset.KindClassification, Classification: p}
}

func newPool(t *testing.T, backend *MockBackend) *Pool {
	t.Helper()
	pool := NewPool(PoolOptions{
		Factory:  func() (iface.Backend, error) { return backend, nil },
		Decoder:  mockDecoder{},
		Labels:   labels,
		Golden:   eval.GoldenMap{"img1.jpg": 1, "img2.jpg": 0},
		Accuracy: eval.NewAccuracy(2),
		OutSize:  3,
	})
	require.NoError(t, pool.Start(2))
	t.Cleanup(pool.Stop)
	return pool
}

func TestPoolClassify(t *testing.T) {
	pool := newPool(t, &MockBackend{})
	ctx := context.Background()

	res, err := pool.Submit(ctx, Job{Name: "img1.jpg", Image: []byte("x"), Preset: smallPreset(), K: 2})
	require.NoError(t, err)
	assert.Equal(t, eval.Ranking{{Confidence: 0.9, Label: "dog"}, {Confidence: 0.3, Label: "fox"}}, res.Ranking)
	assert.Equal(t, "hit", res.Verdict)
	assert.Equal(t, "dog", res.Expected)
	assert.Equal(t, [3]int{8, 8, 3}, res.OrigShape)
	assert.Equal(t, []int{1, 3, 4, 4}, res.TensorShape)
	assert.NotEmpty(t, res.ID)

	res, err = pool.Submit(ctx, Job{Name: "img2.jpg", Image: []byte("x"), Preset: smallPreset(), K: 1})
	require.NoError(t, err)
	assert.Equal(t, "miss", res.Verdict)

	res, err = pool.Submit(ctx, Job{Name: "other.jpg", Image: []byte("x"), Preset: smallPreset(), K: 1})
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Verdict)

	snap := pool.Accuracy().Snapshot()
	assert.Equal(t, int64(2), snap.Scored)
	assert.Equal(t, int64(1), snap.Unknown)
}

func TestPoolElapsed(t *testing.T) {
	pool := newPool(t, &MockBackend{delay: 20 * time.Millisecond})
	res, err := pool.Submit(context.Background(), Job{Name: "img1.jpg", Image: []byte("x"), Preset: smallPreset(), K: 1})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Elapsed, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	r := NewRouter(pool, HTTPOptions{Presets: map[string]preset.Preset{"classification": smallPreset()}, Default: "classification", TopK: 1})
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/classify", strings.NewReader("x")))
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data struct {
			Elapsed int64 `json:"elapsedNs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.GreaterOrEqual(t, env.Data.Elapsed, int64(20*time.Millisecond))
}

func TestPoolErrors(t *testing.T) {
	backend := &MockBackend{}
	pool := newPool(t, backend)
	ctx := context.Background()

	_, err := pool.Submit(ctx, Job{Name: "bad.jpg", Image: []byte("bad"), Preset: smallPreset()})
	assert.True(t, errors.Is(err, iface.ErrUnsupportedFormat))
	assert.Contains(t, err.Error(), "bad.jpg")

	_, err = pool.Submit(ctx, Job{Image: []byte("x"), Preset: smallPreset(), K: 4})
	assert.True(t, errors.Is(err, iface.ErrRange))

	backend.panicNext.Store(true)
	_, err = pool.Submit(ctx, Job{Image: []byte("x"), Preset: smallPreset()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	res, err := pool.Submit(ctx, Job{Image: []byte("x"), Preset: smallPreset(), Kind: JobPreprocess})
	require.NoError(t, err)
	assert.Len(t, res.Tensor, 48)
	assert.Nil(t, res.Ranking)
}

func TestPoolStop(t *testing.T) {
	backend := &MockBackend{}
	pool := NewPool(PoolOptions{
		Factory: func() (iface.Backend, error) { return backend, nil },
		Decoder: mockDecoder{},
		Labels:  labels,
	})
	require.NoError(t, pool.Start(1))
	assert.Eventually(t, func() bool { return pool.Running() == 1 }, time.Second, 10*time.Millisecond)

	pool.Stop()
	pool.Stop()
	assert.True(t, backend.destroyed.Load())
	assert.Equal(t, 0, pool.Running())
	_, err := pool.Submit(context.Background(), Job{Image: []byte("x"), Preset: smallPreset()})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolStartFails(t *testing.T) {
	created := &MockBackend{}
	n := 0
	pool := NewPool(PoolOptions{Factory: func() (iface.Backend, error) {
		n++
		if n == 2 {
			return nil, errors.New("no device")
		}
		return created, nil
	}})
	err := pool.Start(2)
	assert.EqualError(t, err, "worker 1: no device")
	assert.True(t, created.destroyed.Load())
	assert.Equal(t, 0, pool.Running())

	assert.True(t, errors.Is(NewPool(PoolOptions{}).Start(0), iface.ErrConfiguration))
}

func newRouter(t *testing.T) *gin.Engine {
	pool := newPool(t, &MockBackend{})
	return NewRouter(pool, HTTPOptions{
		Presets: map[string]preset.Preset{"classification": smallPreset()},
		Default: "classification",
		TopK:    2,
	})
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func do(t *testing.T, r http.Handler, req *http.Request) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHTTPClassify(t *testing.T) {
	r := newRouter(t)

	code, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify?name=img1.jpg", strings.NewReader("x")))
	require.Equal(t, http.StatusOK, code, env.Error)
	var res JobResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "img1.jpg", res.Name)
	assert.Equal(t, "hit", res.Verdict)
	require.Len(t, res.Ranking, 2)
	assert.Equal(t, "dog", res.Ranking[0].Label)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "/tmp/img2.jpg")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("x"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/classify?k=1", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, env = do(t, r, req)
	require.Equal(t, http.StatusOK, code, env.Error)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "img2.jpg", res.Name)
	assert.Equal(t, "miss", res.Verdict)
	assert.Len(t, res.Ranking, 1)
}

func TestHTTPErrors(t *testing.T) {
	r := newRouter(t)

	code, _ := do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify", strings.NewReader("bad")))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify?k=zero", strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify?k=9", strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify", nil))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, httptest.NewRequest(http.MethodPost, "/api/preprocess/segmentation", strings.NewReader("x")))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTPUploadLimit(t *testing.T) {
	old := maxUploadBytes
	maxUploadBytes = 8
	defer func() { maxUploadBytes = old }()
	r := newRouter(t)

	code, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify", strings.NewReader("123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Contains(t, env.Error, "upload limit")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "big.jpg")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("123456789"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/preprocess/classification", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, _ = do(t, r, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	code, env = do(t, r, httptest.NewRequest(http.MethodPost, "/api/classify?name=img1.jpg", strings.NewReader("12345678")))
	assert.Equal(t, http.StatusOK, code, env.Error)
}

func TestHTTPPreprocessAndInfo(t *testing.T) {
	r := newRouter(t)

	code, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/preprocess/classification?data=true", strings.NewReader("x")))
	require.Equal(t, http.StatusOK, code, env.Error)
	var out struct {
		OrigShape   [3]int    `json:"origShape"`
		TensorShape []int     `json:"tensorShape"`
		Tensor      []float32 `json:"tensor"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, [3]int{8, 8, 3}, out.OrigShape)
	assert.Equal(t, []int{1, 3, 4, 4}, out.TensorShape)
	assert.Len(t, out.Tensor, 48)

	code, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/labels", nil))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["cat","dog","fox"]`, string(env.Data))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.JSONEq(t, `{"message":"pong"}`, rec.Body.String())

	code, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/accuracy", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"k":2`)
}

func TestWebsocketStream(t *testing.T) {
	srv := httptest.NewServer(newRouter(t))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/classify"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("x"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	var reply streamReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Data)
	assert.Equal(t, "dog", reply.Data.Ranking[0].Label)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("bad")))
	reply = streamReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "unsupported image format")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%")))
	reply = streamReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "invalid image")
}

func TestWebsocketStreamRequest(t *testing.T) {
	srv := httptest.NewServer(newRouter(t))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/classify"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	image := base64.StdEncoding.EncodeToString([]byte("x"))
	require.NoError(t, conn.WriteJSON(streamRequest{Image: image, Name: "img1.jpg", K: 1}))
	var reply streamReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Data)
	assert.Equal(t, "img1.jpg", reply.Data.Name)
	assert.Equal(t, "hit", reply.Data.Verdict)
	assert.Equal(t, "dog", reply.Data.Expected)
	assert.Len(t, reply.Data.Ranking, 1)

	require.NoError(t, conn.WriteJSON(streamRequest{Image: image, Name: "img2.jpg", K: 2, Preset: "classification"}))
	reply = streamReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.NotNil(t, reply.Data)
	assert.Equal(t, "miss", reply.Data.Verdict)
	assert.Len(t, reply.Data.Ranking, 2)

	require.NoError(t, conn.WriteJSON(streamRequest{Image: image, Preset: "segmentation"}))
	reply = streamReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "unknown preset")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"name": "img1.jpg"}`)))
	reply = streamReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "no image")
}
