package transport

import (
	"context"

	spannerapi "cloud.google.com/go/spanner/apiv1"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/go-grpcinterceptors/selectlogging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures a GAPIC transport.
type Config struct {
	// Database is the fully qualified database name sent as the resource prefix.
	Database string

	// EnableLeaderAwareRouting sends the route-to-leader header on calls marked by WithRouteToLeader.
	EnableLeaderAwareRouting bool

	// LogGRPC logs every RPC and its payloads at debug level through Logger.
	LogGRPC bool

	// HeartbeatTag is a request tag whose ExecuteSql streams are not logged even when LogGRPC is set.
	HeartbeatTag string

	Logger *zap.Logger
}

// GAPIC is a Transport backed by the generated Cloud Spanner client.
type GAPIC struct {
	client  *spannerapi.Client
	headers *headerStamper
}

var _ Transport = (*GAPIC)(nil)

// NewGAPIC dials Cloud Spanner. opts are passed to the generated client after the logging options.
func NewGAPIC(ctx context.Context, cfg Config, opts ...option.ClientOption) (*GAPIC, error) {
	if cfg.LogGRPC {
		opts = append(LoggingOptions(cfg.Logger, cfg.HeartbeatTag), opts...)
	}
	client, err := spannerapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GAPIC{
		client:  client,
		headers: newHeaderStamper(cfg.Database, cfg.EnableLeaderAwareRouting),
	}, nil
}

// LoggingOptions returns client options logging all unary calls, and every
// streaming call except ExecuteStreamingSql requests tagged with heartbeatTag.
// Server-timing headers are logged as well.
func LoggingOptions(logger *zap.Logger, heartbeatTag string) []option.ClientOption {
	if logger == nil {
		logger = zap.NewNop()
	}
	interceptorLogger := InterceptorLogger(logger)

	return []option.ClientOption{
		option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(
			logging.UnaryClientInterceptor(interceptorLogger,
				logging.WithLogOnEvents(logging.FinishCall, logging.PayloadSent, logging.PayloadReceived)),
			serverTimingUnaryInterceptor(logger),
		)),
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(
			selectlogging.StreamClientInterceptor(interceptorLogger,
				selector.MatchFunc(func(ctx context.Context, callMeta interceptors.CallMeta) bool {
					req, ok := callMeta.ReqOrNil.(*sppb.ExecuteSqlRequest)
					return !ok || heartbeatTag == "" || req.GetRequestOptions().GetRequestTag() != heartbeatTag
				}),
				selectlogging.WithLogOnEvents(selectlogging.FinishCall, selectlogging.PayloadSent, selectlogging.PayloadReceived)),
			serverTimingStreamInterceptor(logger),
		)),
	}
}

// EmulatorOptions returns client options for an unauthenticated plaintext endpoint such as the emulator.
func EmulatorOptions(endpoint string) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(endpoint),
		option.WithoutAuthentication(),
		internaloption.SkipDialSettingsValidation(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

func (g *GAPIC) CreateSession(ctx context.Context, req *sppb.CreateSessionRequest) (*sppb.Session, error) {
	return g.client.CreateSession(g.headers.stamp(ctx), req)
}

func (g *GAPIC) BatchCreateSessions(ctx context.Context, req *sppb.BatchCreateSessionsRequest) (*sppb.BatchCreateSessionsResponse, error) {
	return g.client.BatchCreateSessions(g.headers.stamp(ctx), req)
}

func (g *GAPIC) DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest) error {
	return g.client.DeleteSession(g.headers.stamp(ctx), req)
}

func (g *GAPIC) BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest) (*sppb.Transaction, error) {
	return g.client.BeginTransaction(g.headers.stamp(ctx), req)
}

func (g *GAPIC) Commit(ctx context.Context, req *sppb.CommitRequest) (*sppb.CommitResponse, error) {
	return g.client.Commit(g.headers.stamp(ctx), req)
}

func (g *GAPIC) Rollback(ctx context.Context, req *sppb.RollbackRequest) error {
	return g.client.Rollback(g.headers.stamp(ctx), req)
}

func (g *GAPIC) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (*sppb.ResultSet, error) {
	return g.client.ExecuteSql(g.headers.stamp(ctx), req)
}

func (g *GAPIC) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest) (*sppb.ExecuteBatchDmlResponse, error) {
	return g.client.ExecuteBatchDml(g.headers.stamp(ctx), req)
}

func (g *GAPIC) ExecuteStreamingSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (ResultStream, error) {
	return g.client.ExecuteStreamingSql(g.headers.stamp(ctx), req)
}

func (g *GAPIC) StreamingRead(ctx context.Context, req *sppb.ReadRequest) (ResultStream, error) {
	return g.client.StreamingRead(g.headers.stamp(ctx), req)
}

func (g *GAPIC) Close() error {
	return g.client.Close()
}
