package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// InterceptorLogger adapts a zap logger to the go-grpc-middleware logging interface.
// Proto payloads are logged as embedded JSON.
func InterceptorLogger(l *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make([]zap.Field, 0, len(fields)/2)

		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				key = fmt.Sprint(fields[i])
			}
			f = append(f, zapField(key, fields[i+1]))
		}

		logger := l.WithOptions(zap.AddCallerSkip(1)).With(f...)

		switch lvl {
		case logging.LevelDebug:
			logger.Debug(msg)
		case logging.LevelInfo:
			logger.Info(msg)
		case logging.LevelWarn:
			logger.Warn(msg)
		case logging.LevelError:
			logger.Error(msg)
		default:
			logger.Error(fmt.Sprintf("unknown log level %v: %s", lvl, msg))
		}
	})
}

func zapField(key string, value any) zap.Field {
	switch v := value.(type) {
	case string:
		return zap.String(key, v)
	case int:
		return zap.Int(key, v)
	case int64:
		return zap.Int64(key, v)
	case bool:
		return zap.Bool(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case error:
		return zap.NamedError(key, v)
	case proto.Message:
		b, err := protojson.Marshal(v)
		if err != nil {
			return zap.String(key, fmt.Sprintf("ERROR: failed to marshal proto type %s: %v", v.ProtoReflect().Descriptor().FullName(), err))
		}
		return zap.Any(key, json.RawMessage(b))
	default:
		return zap.Any(key, v)
	}
}
