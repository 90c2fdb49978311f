package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/types/descriptorpb"
	"spheric.cloud/xiter"

	"github.com/apstndb/spanner-txcore/enums"
	"github.com/apstndb/spanner-txcore/session"
	"github.com/apstndb/spanner-txcore/txn"
	"github.com/apstndb/spanner-txcore/wire"
)

const (
	emulatorProject  = "emulator-project"
	emulatorInstance = "emulator-instance"
	emulatorDatabase = "emulator-database"
)

// cliConfig is the validated form of spannerOptions.
type cliConfig struct {
	Project, Instance, Database string

	Endpoint         string
	Insecure         bool

	Credential                []byte
	ImpersonateServiceAccount string
	WithoutAuthentication     bool
	ADCPlus                   bool

	EmbeddedEmulator bool
	EmulatorImage    string
	LeaderRouting    bool

	Format         enums.OutputFormat
	OutputTemplate *template.Template
	Verbose        bool
	Debug          bool
	LogGRPC        bool
	Input          string
	FilePath       string

	Params      map[string]any
	Descriptors *descriptorpb.FileDescriptorSet

	Bound      wire.TimestampBound
	DMLMode    enums.DMLMode
	ParseMode  enums.ParseMode
	Priority   sppb.RequestOptions_Priority
	RequestTag string

	ReadWrite txn.ReadWriteOptions
	Commit    txn.CommitOptions
	PDML      txn.PartitionedDMLOptions
	Pool      session.PoolConfig
}

func (c *cliConfig) DatabasePath() string {
	return session.DatabasePath(c.Project, c.Instance, c.Database)
}

func (c *cliConfig) InstancePath() string {
	return fmt.Sprintf("projects/%s/instances/%s", c.Project, c.Instance)
}

func (c *cliConfig) ProjectPath() string {
	return fmt.Sprintf("projects/%s", c.Project)
}

// newConfig validates opts. Files named by opts are read from fs.
func newConfig(ctx context.Context, fs afero.Fs, opts spannerOptions) (*cliConfig, error) {
	if !opts.EmbeddedEmulator && (opts.ProjectId == "" || opts.InstanceId == "" || opts.DatabaseId == "") {
		return nil, errors.New("missing parameters: -p, -i, -d are required")
	}

	if opts.DisableADCPlus && opts.ImpersonateServiceAccount != "" {
		return nil, errors.New("invalid combination: --impersonate-service-account requires adcplus")
	}

	if opts.WithoutAuthentication && (opts.Credential != "" || opts.ImpersonateServiceAccount != "") {
		return nil, errors.New("invalid combination: --without-authentication, --credential, --impersonate-service-account are exclusive")
	}

	if n := xiter.Count(xiter.Of(opts.File, opts.Execute), lo.IsNotEmpty); n > 1 {
		return nil, errors.New("invalid combination: -e, -f are exclusive")
	}

	boundOptions := xiter.Of(lo.Ternary(opts.Strong, "strong", ""), opts.ReadTimestamp, opts.ExactStaleness, opts.MaxStaleness)
	if n := xiter.Count(boundOptions, lo.IsNotEmpty); n > 1 {
		return nil, errors.New("invalid combination: --strong, --read-timestamp, --exact-staleness, --max-staleness are exclusive")
	}

	cfg := &cliConfig{
		Project:                   opts.ProjectId,
		Instance:                  opts.InstanceId,
		Database:                  opts.DatabaseId,
		Endpoint:                  opts.Endpoint,
		Insecure:                  opts.Insecure,
		EmbeddedEmulator:          opts.EmbeddedEmulator,
		EmulatorImage:             opts.EmulatorImage,
		LeaderRouting:             !opts.NoLeaderRouting,
		ImpersonateServiceAccount: opts.ImpersonateServiceAccount,
		WithoutAuthentication:     opts.WithoutAuthentication,
		ADCPlus:                   !opts.DisableADCPlus,
		Verbose:                   opts.Verbose,
		Debug:                     opts.Debug,
		LogGRPC:                   opts.LogGrpc,
		Input:                     opts.Execute,
		FilePath:                  opts.File,
		Bound:                     wire.StrongRead(),
		RequestTag:                opts.RequestTag,
		Pool: session.PoolConfig{
			MinOpened:            opts.MinSessions,
			MaxOpened:            opts.MaxSessions,
			DatabaseRole:         opts.Role,
			Multiplexed:          opts.Multiplexed || opts.MultiplexedReadWrite,
			MultiplexedReadWrite: opts.MultiplexedReadWrite,
		},
	}

	if opts.EmbeddedEmulator {
		cfg.Project = lo.CoalesceOrEmpty(opts.ProjectId, emulatorProject)
		cfg.Instance = lo.CoalesceOrEmpty(opts.InstanceId, emulatorInstance)
		cfg.Database = lo.CoalesceOrEmpty(opts.DatabaseId, emulatorDatabase)
		cfg.Insecure = true
	}

	var err error
	switch {
	case opts.Format != "":
		if cfg.Format, err = enums.OutputFormatString(opts.Format); err != nil {
			return nil, fmt.Errorf("invalid value of --format: %w", err)
		}
	case opts.Table:
		cfg.Format = enums.OutputFormatTable
	default:
		cfg.Format = enums.OutputFormatTab
	}

	if opts.DMLMode != "" {
		if cfg.DMLMode, err = enums.DMLModeString(opts.DMLMode); err != nil {
			return nil, fmt.Errorf("invalid value of --dml-mode: %w", err)
		}
	}

	if opts.ParseMode != "" {
		if cfg.ParseMode, err = enums.ParseModeString(opts.ParseMode); err != nil {
			return nil, fmt.Errorf("invalid value of --parse-mode: %w", err)
		}
	}

	if cfg.Bound, err = parseTimestampBound(opts); err != nil {
		return nil, err
	}

	if opts.Priority != "" {
		if cfg.Priority, err = parsePriority(opts.Priority); err != nil {
			return nil, errors.New("priority must be either HIGH, MEDIUM, or LOW")
		}
	}

	if cfg.Params, err = parseParams(opts.Param); err != nil {
		return nil, err
	}

	if opts.Credential != "" {
		if cfg.Credential, err = afero.ReadFile(fs, opts.Credential); err != nil {
			return nil, fmt.Errorf("error on reading --credential=%v, err: %w", opts.Credential, err)
		}
	}

	if opts.OutputTemplate != "" {
		if cfg.OutputTemplate, err = parseOutputTemplate(fs, opts.OutputTemplate); err != nil {
			return nil, fmt.Errorf("error on parsing --output-template=%v, err: %w", opts.OutputTemplate, err)
		}
	}

	if opts.ProtoDescriptorFile != "" {
		if cfg.Descriptors, err = readDescriptorFile(ctx, fs, opts.ProtoDescriptorFile); err != nil {
			return nil, fmt.Errorf("error on --proto-descriptor-file, file: %v, err: %w", opts.ProtoDescriptorFile, err)
		}
	}

	cfg.ReadWrite = txn.ReadWriteOptions{
		TransactionTag:              opts.TransactionTag,
		ExcludeTxnFromChangeStreams: opts.ExcludeTxnFromChangeStreams,
	}
	if opts.IsolationLevel != "" {
		if cfg.ReadWrite.IsolationLevel, err = parseIsolationLevel(opts.IsolationLevel); err != nil {
			return nil, err
		}
	}

	cfg.Commit = txn.CommitOptions{
		ReturnCommitStats: opts.CommitStats,
		Priority:          cfg.Priority,
	}
	if opts.MaxCommitDelay != "" {
		d, err := time.ParseDuration(opts.MaxCommitDelay)
		if err != nil {
			return nil, fmt.Errorf("error on parsing --max-commit-delay=%v, err: %w", opts.MaxCommitDelay, err)
		}
		cfg.Commit.MaxCommitDelay = &d
	}

	cfg.PDML = txn.PartitionedDMLOptions{
		TransactionTag:              opts.TransactionTag,
		ExcludeTxnFromChangeStreams: opts.ExcludeTxnFromChangeStreams,
	}

	return cfg, nil
}

func parseTimestampBound(opts spannerOptions) (wire.TimestampBound, error) {
	switch {
	case opts.ReadTimestamp != "":
		ts, err := time.Parse(time.RFC3339Nano, opts.ReadTimestamp)
		if err != nil {
			return wire.TimestampBound{}, fmt.Errorf("error on parsing --read-timestamp=%v, err: %w", opts.ReadTimestamp, err)
		}
		return wire.ReadTimestamp(ts), nil
	case opts.ExactStaleness != "":
		d, err := time.ParseDuration(opts.ExactStaleness)
		if err != nil {
			return wire.TimestampBound{}, fmt.Errorf("error on parsing --exact-staleness=%v, err: %w", opts.ExactStaleness, err)
		}
		return wire.ExactStaleness(d), nil
	case opts.MaxStaleness != "":
		d, err := time.ParseDuration(opts.MaxStaleness)
		if err != nil {
			return wire.TimestampBound{}, fmt.Errorf("error on parsing --max-staleness=%v, err: %w", opts.MaxStaleness, err)
		}
		return wire.MaxStaleness(d), nil
	default:
		return wire.StrongRead(), nil
	}
}

func parsePriority(priority string) (sppb.RequestOptions_Priority, error) {
	value := "PRIORITY_" + strings.TrimPrefix(strings.ToUpper(priority), "PRIORITY_")

	p, ok := sppb.RequestOptions_Priority_value[value]
	if !ok || p == int32(sppb.RequestOptions_PRIORITY_UNSPECIFIED) {
		return sppb.RequestOptions_PRIORITY_UNSPECIFIED, fmt.Errorf("invalid priority: %q", value)
	}
	return sppb.RequestOptions_Priority(p), nil
}

func parseIsolationLevel(level string) (sppb.TransactionOptions_IsolationLevel, error) {
	v, ok := sppb.TransactionOptions_IsolationLevel_value[strings.ToUpper(level)]
	if !ok || v == int32(sppb.TransactionOptions_ISOLATION_LEVEL_UNSPECIFIED) {
		return sppb.TransactionOptions_ISOLATION_LEVEL_UNSPECIFIED, fmt.Errorf("invalid value of --isolation-level: %q", level)
	}
	return sppb.TransactionOptions_IsolationLevel(v), nil
}
