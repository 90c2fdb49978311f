package main

import (
	_ "embed"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/lox"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/go-sprout/sprout"
	"github.com/go-sprout/sprout/group/hermetic"
	"github.com/goccy/go-yaml"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/apstndb/spanner-txcore/enums"
	"github.com/apstndb/spanner-txcore/internal/protostruct"
)

// resultPrinter writes results of statements in one output format.
type resultPrinter interface {
	Print(w io.Writer, result *Result) error
}

func newResultPrinter(format enums.OutputFormat, verbose bool, formatter *valueFormatter, tmpl *template.Template) resultPrinter {
	switch format {
	case enums.OutputFormatJSON, enums.OutputFormatYAML:
		return &documentPrinter{yaml: format == enums.OutputFormatYAML}
	default:
		return &textPrinter{tab: format == enums.OutputFormatTab, verbose: verbose, formatter: formatter, template: tmpl}
	}
}

// QueryStats contains query statistics.
// Some fields may not have a valid value depending on the environment.
// For example, only ElapsedTime and RowsReturned has valid value for Cloud Spanner Emulator.
type QueryStats struct {
	ElapsedTime                string `json:"elapsed_time"`
	CPUTime                    string `json:"cpu_time"`
	RowsReturned               string `json:"rows_returned"`
	RowsScanned                string `json:"rows_scanned"`
	DeletedRowsScanned         string `json:"deleted_rows_scanned"`
	OptimizerVersion           string `json:"optimizer_version"`
	OptimizerStatisticsPackage string `json:"optimizer_statistics_package"`

	Unknown jsontext.Value `json:",unknown"`
}

func parseQueryStats(stats *sppb.ResultSetStats) (QueryStats, error) {
	var queryStats QueryStats
	if stats.GetQueryStats() == nil {
		return queryStats, nil
	}

	b, err := protojson.Marshal(stats.GetQueryStats())
	if err != nil {
		return queryStats, err
	}

	if err := json.Unmarshal(b, &queryStats); err != nil {
		return queryStats, err
	}
	return queryStats, nil
}

//go:embed output_default.tmpl
var outputTemplateStr string

var defaultOutputTemplate = template.Must(template.New("output").Funcs(sproutFuncMap()).Parse(outputTemplateStr))

func sproutFuncMap() template.FuncMap {
	handler := sprout.New()
	lo.Must0(handler.AddGroups(hermetic.RegistryGroup()))
	return handler.Build()
}

// parseOutputTemplate reads a template replacing the verbose details of results.
func parseOutputTemplate(fs afero.Fs, path string) (*template.Template, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return template.New(filepath.Base(path)).Funcs(sproutFuncMap()).Parse(string(b))
}

// OutputContext is the input of the verbose output template.
type OutputContext struct {
	Verbose     bool
	IsMutation  bool
	Timestamp   string
	Stats       *QueryStats
	CommitStats *sppb.CommitResponse_CommitStats
}

// textPrinter writes results as an ASCII table, or as tab separated lines.
type textPrinter struct {
	tab       bool
	verbose   bool
	formatter *valueFormatter

	// template renders the verbose details. nil means defaultOutputTemplate.
	template *template.Template
}

func (p *textPrinter) Print(w io.Writer, result *Result) error {
	// A table without rows is only rendered in verbose mode.
	if len(result.Columns) > 0 && (p.tab || p.verbose || len(result.Rows) > 0) {
		rows := make([][]string, 0, len(result.Rows))
		for _, row := range result.Rows {
			formatted, err := p.formatter.formatRow(row)
			if err != nil {
				return err
			}
			rows = append(rows, formatted)
		}

		var err error
		if p.tab {
			err = printTabData(w, columnNames(result.Columns), rows)
		} else {
			err = printTableData(w, renderTableHeader(result.Columns, p.verbose), rows)
		}
		if err != nil {
			return err
		}
	}

	if !p.verbose {
		return nil
	}

	if len(result.Stats.GetQueryPlan().GetPlanNodes()) > 0 {
		if err := printQueryPlan(w, result.Stats.GetQueryPlan(), p.tab); err != nil {
			return err
		}
	}

	line, err := resultLine(p.template, result)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, line)
	return err
}

func columnNames(fields []*sppb.StructType_Field) []string {
	return lo.Map(fields, func(f *sppb.StructType_Field, _ int) string { return f.GetName() })
}

// renderTableHeader renders column names, with their types when verbose.
func renderTableHeader(fields []*sppb.StructType_Field, verbose bool) []string {
	if !verbose {
		return columnNames(fields)
	}
	return lo.Map(fields, func(f *sppb.StructType_Field, _ int) string { return formatTypedHeaderColumn(f) })
}

func formatTypedHeaderColumn(field *sppb.StructType_Field) string {
	return field.GetName() + "\n" + formatTypeSimple(field.GetType())
}

func printTableData(w io.Writer, headers []string, rows [][]string) error {
	var tableBuf strings.Builder
	table := tablewriter.NewTable(&tableBuf,
		tablewriter.WithRenderer(
			renderer.NewBlueprint(tw.Rendition{Symbols: tw.NewSymbols(tw.StyleASCII)})),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithTrimSpace(tw.Off),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	).Configure(func(config *tablewriter.Config) {
		config.Row.Formatting.AutoWrap = tw.WrapNone
	})

	table.Header(headers)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("tablewriter.Table.Append() failed: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("tablewriter.Table.Render() failed: %w", err)
	}

	if s := strings.TrimSpace(tableBuf.String()); s != "" {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	return nil
}

func printTabData(w io.Writer, headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(w, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// resultLine renders the summary of result and the verbose details.
func resultLine(outputTemplate *template.Template, result *Result) (string, error) {
	if outputTemplate == nil {
		outputTemplate = defaultOutputTemplate
	}

	stats, err := parseQueryStats(result.Stats)
	if err != nil {
		return "", err
	}

	timestamp := lo.Ternary(result.IsMutation, result.CommitTimestamp, result.ReadTimestamp)
	var sb strings.Builder
	err = outputTemplate.Execute(&sb, OutputContext{
		Verbose:     true,
		IsMutation:  result.IsMutation,
		Timestamp:   lox.IfOrEmptyF(!timestamp.IsZero(), func() string { return timestamp.Format(time.RFC3339Nano) }),
		Stats:       &stats,
		CommitStats: result.CommitStats,
	})
	if err != nil {
		return "", err
	}
	detail := sb.String()

	elapsedTimePart := lox.IfOrEmpty(stats.ElapsedTime != "", fmt.Sprintf(" (%s)", stats.ElapsedTime))

	var batchInfo string
	if result.BatchSize > 0 {
		batchInfo = fmt.Sprintf(" (%d DML%s in batch)", result.BatchSize, lox.IfOrEmpty(result.BatchSize > 1, "s"))
	}

	if result.IsMutation {
		// For Partitioned DML the row count is a lower bound.
		affectedRowsPrefix := lox.IfOrEmpty(result.AffectedRowsType == rowCountTypeLowerBound, "at least ")
		return fmt.Sprintf("Query OK, %s%d rows affected%s%s\n%s", affectedRowsPrefix, result.AffectedRows, elapsedTimePart, batchInfo, detail), nil
	}

	set := lo.Ternary(result.AffectedRows == 0, "Empty set", fmt.Sprintf("%d rows in set", result.AffectedRows))
	return fmt.Sprintf("%s%s\n%s", set, elapsedTimePart, detail), nil
}

type columnDocument struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// resultDocument is the JSON and YAML rendering of a Result. Values keep their wire representation.
type resultDocument struct {
	Statement        string           `json:"statement" yaml:"statement"`
	Columns          []columnDocument `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows             [][]any          `json:"rows,omitempty" yaml:"rows,omitempty"`
	AffectedRows     *int64           `json:"affected_rows,omitempty" yaml:"affected_rows,omitempty"`
	AffectedRowsType string           `json:"affected_rows_type,omitempty" yaml:"affected_rows_type,omitempty"`
	ReadTimestamp    string           `json:"read_timestamp,omitempty" yaml:"read_timestamp,omitempty"`
	CommitTimestamp  string           `json:"commit_timestamp,omitempty" yaml:"commit_timestamp,omitempty"`
	MutationCount    *int64           `json:"mutation_count,omitempty" yaml:"mutation_count,omitempty"`
	Stats            map[string]any   `json:"stats,omitempty" yaml:"stats,omitempty"`
}

func newResultDocument(result *Result) (*resultDocument, error) {
	doc := &resultDocument{Statement: result.SQL}
	for _, f := range result.Columns {
		doc.Columns = append(doc.Columns, columnDocument{Name: f.GetName(), Type: formatTypeSimple(f.GetType())})
	}

	for _, row := range result.Rows {
		values := make([]any, 0, row.Size())
		for _, v := range row.Values() {
			decoded, err := protostruct.DecodeValue(v)
			if err != nil {
				return nil, err
			}
			values = append(values, decoded)
		}
		doc.Rows = append(doc.Rows, values)
	}

	if result.IsMutation {
		doc.AffectedRows = lo.ToPtr(result.AffectedRows)
		doc.AffectedRowsType = lo.Ternary(result.AffectedRowsType == rowCountTypeLowerBound, "LOWER_BOUND", "EXACT")
	}
	if !result.ReadTimestamp.IsZero() {
		doc.ReadTimestamp = result.ReadTimestamp.Format(time.RFC3339Nano)
	}
	if !result.CommitTimestamp.IsZero() {
		doc.CommitTimestamp = result.CommitTimestamp.Format(time.RFC3339Nano)
	}
	if result.CommitStats != nil {
		doc.MutationCount = lo.ToPtr(result.CommitStats.GetMutationCount())
	}

	stats, err := protostruct.DecodeToMap(result.Stats.GetQueryStats())
	if err != nil {
		return nil, err
	}
	doc.Stats = stats
	return doc, nil
}

// documentPrinter writes one JSON value, or one YAML document, per result.
type documentPrinter struct {
	yaml    bool
	printed bool
}

func (p *documentPrinter) Print(w io.Writer, result *Result) error {
	doc, err := newResultDocument(result)
	if err != nil {
		return err
	}

	if !p.yaml {
		return json.MarshalEncode(jsontext.NewEncoder(w, jsontext.WithIndent("  ")), doc, json.Deterministic(true))
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if p.printed {
		if _, err := io.WriteString(w, "---\n"); err != nil {
			return err
		}
	}
	p.printed = true
	_, err = w.Write(b)
	return err
}
