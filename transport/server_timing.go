package transport

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const serverTimingHeaderKey = "server-timing"

// serverTimingUnaryInterceptor logs the server-timing response header of unary calls.
func serverTimingUnaryInterceptor(logger *zap.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any,
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var header metadata.MD
		opts = append(opts, grpc.Header(&header))

		err := invoker(ctx, method, req, reply, cc, opts...)
		logServerTiming(logger, method, "unary", header)
		return err
	}
}

// serverTimingStreamInterceptor logs the server-timing response header of streaming calls.
func serverTimingStreamInterceptor(logger *zap.Logger) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn,
		method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		clientStream, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			return nil, err
		}
		return &serverTimingStream{ClientStream: clientStream, method: method, logger: logger}, nil
	}
}

// serverTimingStream logs the header once, on the first RecvMsg or Header call.
type serverTimingStream struct {
	grpc.ClientStream
	method string
	logger *zap.Logger
	logged bool
}

func (s *serverTimingStream) Header() (metadata.MD, error) {
	header, err := s.ClientStream.Header()
	if err == nil {
		s.logOnce(header)
	}
	return header, err
}

func (s *serverTimingStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if !s.logged {
		if header, herr := s.ClientStream.Header(); herr == nil {
			s.logOnce(header)
		}
	}
	return err
}

func (s *serverTimingStream) logOnce(header metadata.MD) {
	if s.logged {
		return
	}
	s.logged = true
	logServerTiming(s.logger, s.method, "stream", header)
}

func logServerTiming(logger *zap.Logger, method, kind string, header metadata.MD) {
	if values := header.Get(serverTimingHeaderKey); len(values) > 0 {
		logger.Debug("server-timing header",
			zap.String("method", method),
			zap.String("kind", kind),
			zap.Strings("values", values))
	}
}
