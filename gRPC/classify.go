package rpc

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/preset"
	"TensorPrepServer/service"
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the content subtype Classify calls must use.
const CodecName = "json"

// ClassifyMethod is the full method name of the unary classify call.
const ClassifyMethod = "/" + ServiceName + "/Classify"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ClassifyRequest carries one encoded image; Image is base64 on the wire.
type ClassifyRequest struct {
	Image  []byte `json:"image"`
	Name   string `json:"name,omitempty"`
	K      int    `json:"k,omitempty"`
	Preset string `json:"preset,omitempty"`
}

type ClassifierServer interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*service.JobResult, error)
}

var classifierDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tensorprep/classifier",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ClassifyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClassifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassifierServer).Classify(ctx, req.(*ClassifyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Classify calls the classify method on cc.
func Classify(ctx context.Context, cc grpc.ClientConnInterface, req *ClassifyRequest, opts ...grpc.CallOption) (*service.JobResult, error) {
	out := new(service.JobResult)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := cc.Invoke(ctx, ClassifyMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PoolClassifier serves Classify from a worker pool.
type PoolClassifier struct {
	Pool    *service.Pool
	Presets map[string]preset.Preset
	Default string
	TopK    int
}

func (p *PoolClassifier) Classify(ctx context.Context, req *ClassifyRequest) (*service.JobResult, error) {
	name := req.Preset
	if name == "" {
		name = p.Default
	}
	pr, ok := p.Presets[name]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown preset %q", name)
	}
	if len(req.Image) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no image in request")
	}
	k := req.K
	if k <= 0 {
		k = p.TopK
	}
	res, err := p.Pool.Submit(ctx, service.Job{Kind: service.JobClassify, Name: req.Name, Image: req.Image, Preset: pr, K: k})
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, iface.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, iface.ErrConfiguration),
		errors.Is(err, iface.ErrUnsupportedFormat),
		errors.Is(err, iface.ErrRange):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrPoolClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
