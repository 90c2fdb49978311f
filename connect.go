package main

import (
	"context"
	"io"

	"github.com/apstndb/adcplus"
	"github.com/apstndb/adcplus/tokensource"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/transport"
	"github.com/apstndb/spanner-txcore/txn"
)

// run connects to the database named by cfg, executes input and returns the exit code.
func run(ctx context.Context, cfg *cliConfig, input string, stdout, stderr io.Writer) int {
	logger := newLogger(cfg)
	defer logger.Sync() //nolint:errcheck

	if cfg.EmbeddedEmulator {
		uri, teardown, err := newEmulator(ctx, cfg, logger)
		if err != nil {
			printError(stderr, err)
			return exitCodeError
		}
		defer teardown()
		cfg.Endpoint = uri
	}

	tr, err := newTransport(ctx, cfg, logger)
	if err != nil {
		printError(stderr, err)
		return exitCodeError
	}
	defer tr.Close()

	poolConfig := cfg.Pool
	poolConfig.Logger = logger
	pool, err := session.NewPool(ctx, tr, cfg.DatabasePath(), poolConfig)
	if err != nil {
		printError(stderr, err)
		return exitCodeError
	}
	defer func() {
		if err := pool.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to close session pool", zap.Error(err))
		}
	}()

	c, err := newCLI(txn.NewClient(tr, pool, txn.Config{Logger: logger}), cfg, stdout, stderr)
	if err != nil {
		printError(stderr, err)
		return exitCodeError
	}
	return GetExitCode(c.RunBatch(ctx, input))
}

// newLogger logs to stderr in the zap development format. Debug logs are enabled by --debug and --log-grpc.
func newLogger(cfg *cliConfig) *zap.Logger {
	zapDevelopmentConfig := zap.NewDevelopmentConfig()
	zapDevelopmentConfig.DisableCaller = true
	zapDevelopmentConfig.Level = zap.NewAtomicLevelAt(lo.Ternary(cfg.Debug || cfg.LogGRPC, zapcore.DebugLevel, zapcore.WarnLevel))
	zapLogger, err := zapDevelopmentConfig.Build(zap.Fields())
	if err != nil {
		return zap.NewNop()
	}
	return zapLogger
}

func newTransport(ctx context.Context, cfg *cliConfig, logger *zap.Logger) (*transport.GAPIC, error) {
	var opts []option.ClientOption
	if cfg.EmbeddedEmulator {
		opts = transport.EmulatorOptions(cfg.Endpoint)
	} else {
		var err error
		if opts, err = createClientOptions(ctx, cfg); err != nil {
			return nil, err
		}
	}

	return transport.NewGAPIC(ctx, transport.Config{
		Database:                 cfg.DatabasePath(),
		EnableLeaderAwareRouting: cfg.LeaderRouting,
		LogGRPC:                  cfg.LogGRPC,
		Logger:                   logger,
	}, opts...)
}

// createClientOptions builds the endpoint and credential options of cfg.
func createClientOptions(ctx context.Context, cfg *cliConfig) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	if cfg.Insecure {
		opts = append(opts, option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}

	switch {
	case cfg.WithoutAuthentication || cfg.Insecure:
		opts = append(opts, option.WithoutAuthentication())
	case cfg.ADCPlus:
		source, err := tokensource.SmartAccessTokenSource(ctx, adcplus.WithCredentialsJSON(cfg.Credential), adcplus.WithTargetPrincipal(cfg.ImpersonateServiceAccount))
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(source))
	case len(cfg.Credential) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.Credential))
	}

	return opts, nil
}
