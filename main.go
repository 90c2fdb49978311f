//
// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package main is a command line tool running SQL batches through the spanner-txcore transaction core.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"github.com/apstndb/spanemuboost"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"
	"golang.org/x/term"
)

type globalOptions struct {
	Spanner spannerOptions `group:"spanner"`
}

// We can't use `default` because options are parsed twice, for config files and for flags.
type spannerOptions struct {
	ProjectId                   string            `long:"project" short:"p" env:"SPANNER_PROJECT_ID" description:"(required) GCP Project ID."`
	InstanceId                  string            `long:"instance" short:"i" env:"SPANNER_INSTANCE_ID" description:"(required) Cloud Spanner Instance ID"`
	DatabaseId                  string            `long:"database" short:"d" env:"SPANNER_DATABASE_ID" description:"(required) Cloud Spanner Database ID."`
	Execute                     string            `long:"execute" short:"e" description:"Execute SQL statements and quit."`
	File                        string            `long:"file" short:"f" description:"Execute SQL statements from file and quit. - reads stdin."`
	Format                      string            `long:"format" description:"Output format (TABLE|TAB|JSON|YAML)"`
	Table                       bool              `long:"table" short:"t" description:"Display output in table format. An alias of --format=TABLE."`
	Verbose                     bool              `long:"verbose" short:"v" description:"Display verbose output."`
	Param                       map[string]string `long:"param" key-value-delimiter:"=" description:"Set query parameters, it can be literal or type e.g. --param=\"p1='string_value'\" --param=p2=FLOAT64"`
	ProtoDescriptorFile         string            `long:"proto-descriptor-file" description:"Path of a file that contains a protobuf-serialized google.protobuf.FileDescriptorSet message."`
	Priority                    string            `long:"priority" description:"Set default request priority (HIGH|MEDIUM|LOW)"`
	Role                        string            `long:"role" description:"Use the specific database role"`
	Endpoint                    string            `long:"endpoint" description:"Set the Spanner API endpoint (host:port)"`
	Insecure                    bool              `long:"insecure" description:"Skip TLS verification and permit plaintext gRPC."`
	EmbeddedEmulator            bool              `long:"embedded-emulator" description:"Use embedded Cloud Spanner Emulator. --project, --instance, --database, --endpoint, --insecure will be automatically configured."`
	EmulatorImage               string            `long:"emulator-image" description:"container image for --embedded-emulator"`
	Strong                      bool              `long:"strong" description:"Perform a strong query."`
	ReadTimestamp               string            `long:"read-timestamp" description:"Perform a query at the given timestamp."`
	ExactStaleness              string            `long:"exact-staleness" description:"Perform a query at the given staleness e.g. 10s."`
	MaxStaleness                string            `long:"max-staleness" description:"Perform a query with the given maximum staleness e.g. 10s."`
	DMLMode                     string            `long:"dml-mode" description:"How consecutive DML statements are executed (TRANSACTIONAL|BATCH|PARTITIONED_NON_ATOMIC)"`
	ParseMode                   string            `long:"parse-mode" description:"How statements are classified (FALLBACK|NO_MEMEFISH|MEMEFISH_ONLY)"`
	RequestTag                  string            `long:"request-tag" description:"Request tag of every statement"`
	TransactionTag              string            `long:"transaction-tag" description:"Transaction tag of read-write and partitioned DML transactions"`
	IsolationLevel              string            `long:"isolation-level" description:"Isolation level of read-write transactions (SERIALIZABLE|REPEATABLE_READ)"`
	ExcludeTxnFromChangeStreams bool              `long:"exclude-txn-from-change-streams" description:"Exclude writes from change streams"`
	CommitStats                 bool              `long:"commit-stats" description:"Return commit statistics"`
	MaxCommitDelay              string            `long:"max-commit-delay" description:"Max commit delay e.g. 100ms"`
	Multiplexed                 bool              `long:"multiplexed" description:"Use a multiplexed session for read-only transactions"`
	MultiplexedReadWrite        bool              `long:"multiplexed-rw" description:"Also use the multiplexed session for read-write transactions. It implies --multiplexed."`
	MinSessions                 int               `long:"min-sessions" description:"Sessions created at startup"`
	MaxSessions                 int               `long:"max-sessions" description:"Upper bound of regular sessions"`
	NoLeaderRouting             bool              `long:"no-leader-routing" description:"Disable leader aware routing of read-write transactions"`
	Credential                  string            `long:"credential" description:"Use the specific credential file"`
	ImpersonateServiceAccount   string            `long:"impersonate-service-account" description:"Impersonate the specific service account"`
	WithoutAuthentication       bool              `long:"without-authentication" description:"Use without authentication"`
	DisableADCPlus              bool              `long:"disable-adc-plus" description:"Use the plain ADC instead of adcplus. --impersonate-service-account is not supported."`
	OutputTemplate              string            `long:"output-template" description:"Filepath of the text/template rendering the verbose result details"`
	LogGrpc                     bool              `long:"log-grpc" description:"Show gRPC logs"`
	Help                        bool              `long:"help" short:"h" hidden:"true"`
	Debug                       bool              `long:"debug" hidden:"true"`
}

func addEmulatorImageOption(parser *flags.Parser) {
	parser.Groups()[0].Find("spanner").FindOptionByLongName("emulator-image").DefaultMask = spanemuboost.DefaultEmulatorImage
}

func main() {
	opts, err := parseOptions(os.Args[1:], configFilePaths())
	if err != nil {
		parserForHelp := flags.NewParser(&globalOptions{}, flags.Default)
		addEmulatorImageOption(parserForHelp)
		parserForHelp.WriteHelp(os.Stderr)
		exitf("Invalid options: %v\n", err)
	} else if opts.Help {
		parserForHelp := flags.NewParser(&globalOptions{}, flags.Default)
		addEmulatorImageOption(parserForHelp)
		parserForHelp.WriteHelp(os.Stderr)
		return
	}

	fs := afero.NewOsFs()
	cfg, err := newConfig(context.Background(), fs, opts)
	if err != nil {
		exitf("%v\n", err)
	}

	input, err := readInput(fs, cfg, os.Stdin)
	if err != nil {
		exitf("%v\n", err)
	}

	os.Exit(run(context.Background(), cfg, input, os.Stdout, os.Stderr))
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(exitCodeError)
}

// parseOptions reads the config files, then environment variables and args with higher precedence.
func parseOptions(args []string, cnfFiles []string) (spannerOptions, error) {
	var gopts globalOptions

	configFileParser := flags.NewParser(&gopts, flags.Default)
	addEmulatorImageOption(configFileParser)
	if err := readConfigFile(configFileParser, cnfFiles); err != nil {
		return spannerOptions{}, fmt.Errorf("invalid config file format: %w", err)
	}

	flagParser := flags.NewParser(&gopts, flags.PrintErrors|flags.PassDoubleDash)
	addEmulatorImageOption(flagParser)
	rest, err := flagParser.ParseArgs(args)
	if err != nil {
		return spannerOptions{}, err
	}
	if len(rest) > 0 {
		return spannerOptions{}, fmt.Errorf("unknown arguments: %v", rest)
	}
	return gopts.Spanner, nil
}

const cnfFileName = ".spanner_txcore.cnf"

// configFilePaths returns the config files in the home directory and the current directory, in this order.
func configFilePaths() []string {
	var cnfFiles []string
	if currentUser, err := user.Current(); err == nil {
		cnfFiles = append(cnfFiles, filepath.Join(currentUser.HomeDir, cnfFileName))
	}

	cwd, _ := os.Getwd() // ignore err
	return append(cnfFiles, filepath.Join(cwd, cnfFileName))
}

func readConfigFile(parser *flags.Parser, cnfFiles []string) error {
	iniParser := flags.NewIniParser(parser)
	for _, cnfFile := range cnfFiles {
		// skip if missing
		if _, err := os.Stat(cnfFile); err != nil {
			continue
		}
		if err := iniParser.ParseFile(cnfFile); err != nil {
			return err
		}
	}

	return nil
}

// readInput returns the SQL text named by --execute or --file, or piped to stdin.
func readInput(fs afero.Fs, cfg *cliConfig, stdin io.Reader) (string, error) {
	switch {
	case cfg.Input != "":
		return cfg.Input, nil
	case cfg.FilePath == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read from stdin failed: %w", err)
		}
		return string(b), nil
	case cfg.FilePath != "":
		b, err := afero.ReadFile(fs, cfg.FilePath)
		if err != nil {
			return "", fmt.Errorf("read from file %v failed: %w", cfg.FilePath, err)
		}
		return string(b), nil
	default:
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "", errEmptyInput
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read from stdin failed: %w", err)
		}
		return string(b), nil
	}
}
