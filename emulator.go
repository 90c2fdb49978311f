package main

import (
	"context"
	"fmt"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"github.com/apstndb/spanemuboost"
	"github.com/samber/lo"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/gcloud"
	"go.uber.org/zap"

	"github.com/apstndb/spanner-txcore/transport"
)

// zapTestcontainersLogger routes testcontainers logs to debug level.
type zapTestcontainersLogger struct {
	logger *zap.SugaredLogger
}

// Printf implements testcontainers.Logging.
func (l zapTestcontainersLogger) Printf(format string, v ...any) {
	l.logger.Debugf(format, v...)
}

// newEmulator starts the emulator container and creates the instance and the database of cfg.
// It returns the gRPC endpoint of the emulator.
func newEmulator(ctx context.Context, cfg *cliConfig, logger *zap.Logger) (uri string, teardown func(), err error) {
	tcLogger := zapTestcontainersLogger{logger: logger.Sugar()}
	testcontainers.Logger = tcLogger

	container, err := gcloud.RunSpanner(ctx, lo.CoalesceOrEmpty(cfg.EmulatorImage, spanemuboost.DefaultEmulatorImage), testcontainers.WithLogger(tcLogger))
	if err != nil {
		return "", nil, fmt.Errorf("failed to start Cloud Spanner Emulator: %w", err)
	}

	teardown = func() {
		if err := container.Terminate(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to terminate Cloud Spanner Emulator", zap.Error(err))
		}
	}

	if err := setUpEmptyInstanceAndDatabaseForEmulator(ctx, cfg, container.URI); err != nil {
		teardown()
		return "", nil, fmt.Errorf("failed to setup instance and database in emulator: %w", err)
	}
	return container.URI, teardown, nil
}

func setUpEmptyInstanceAndDatabaseForEmulator(ctx context.Context, cfg *cliConfig, endpoint string) error {
	clientOpts := transport.EmulatorOptions(endpoint)

	instanceCli, err := instance.NewInstanceAdminClient(ctx, clientOpts...)
	if err != nil {
		return err
	}
	defer instanceCli.Close()

	createInstanceOp, err := instanceCli.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     cfg.ProjectPath(),
		InstanceId: cfg.Instance,
		Instance: &instancepb.Instance{
			Name:        cfg.InstancePath(),
			Config:      "emulator-config",
			DisplayName: cfg.Instance,
			NodeCount:   1,
		},
	})
	if err != nil {
		return err
	}
	if _, err := createInstanceOp.Wait(ctx); err != nil {
		return err
	}

	dbCli, err := database.NewDatabaseAdminClient(ctx, clientOpts...)
	if err != nil {
		return err
	}
	defer dbCli.Close()

	createDBOp, err := dbCli.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          cfg.InstancePath(),
		CreateStatement: fmt.Sprintf("CREATE DATABASE `%v`", cfg.Database),
	})
	if err != nil {
		return err
	}

	_, err = createDBOp.Wait(ctx)
	return err
}
