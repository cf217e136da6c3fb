package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/leafymarket/leafsync/domain"
	"gopkg.in/yaml.v3"
)

// OutputFormatter handles text, JSON and YAML output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// Print writes data as JSON or YAML, or calls text for the human-readable format.
func (f *OutputFormatter) Print(data any, text func(w io.Writer) error) error {
	switch f.Format {
	case "json":
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(f.Writer)
	}
}

// table writes tab separated rows aligned in columns.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeRow(tw, header)
	for _, row := range rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, cell)
	}
	fmt.Fprintln(w)
}

type recordView struct {
	Kind       domain.Kind       `json:"kind" yaml:"kind"`
	ID         string            `json:"id" yaml:"id"`
	Status     domain.SyncStatus `json:"status" yaml:"status"`
	Op         domain.Op         `json:"op,omitempty" yaml:"op,omitempty"`
	Version    int64             `json:"version" yaml:"version"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt" yaml:"updatedAt"`
	Attributes map[string]any    `json:"attributes" yaml:"attributes"`
}

func viewRecord(rec *domain.Record) recordView {
	return recordView{
		Kind:       rec.Kind,
		ID:         rec.ID,
		Status:     rec.Status,
		Op:         rec.Op,
		Version:    rec.Version,
		Error:      rec.SyncError,
		UpdatedAt:  rec.UpdatedAt,
		Attributes: rec.Attributes,
	}
}

func viewRecords(records []*domain.Record) []recordView {
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewRecord(rec))
	}
	return views
}

// attributesText renders attributes as sorted key=value pairs.
func attributesText(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return out
}

func recordsTable(w io.Writer, records []recordView) error {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			string(rec.Kind),
			rec.ID,
			string(rec.Status),
			string(rec.Op),
			fmt.Sprint(rec.Version),
			attributesText(rec.Attributes),
		})
	}
	return table(w, []string{"KIND", "ID", "STATUS", "OP", "VERSION", "ATTRIBUTES"}, rows)
}

type queuedView struct {
	ID         string    `json:"id" yaml:"id"`
	Method     string    `json:"method" yaml:"method"`
	URL        string    `json:"url" yaml:"url"`
	EnqueuedAt time.Time `json:"enqueuedAt" yaml:"enqueuedAt"`
}

type logView struct {
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Level     string         `json:"level" yaml:"level"`
	Message   string         `json:"message" yaml:"message"`
	Kind      *domain.Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	RecordID  *string        `json:"recordId,omitempty" yaml:"recordId,omitempty"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}
