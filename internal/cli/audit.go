package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/osqgate/internal/audit"
)

var (
	tailLines    int
	tailFormat   string
	tailType     string
	reportFrom   string
	reportTo     string
	reportDir    string
	reportIndex  string
	reportFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditReportCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().StringVarP(&tailFormat, "format", "f", "text", "Output format (text|json)")
	auditTailCmd.Flags().StringVar(&tailType, "type", "", "Only show events of this type")
	auditReportCmd.Flags().StringVar(&reportFrom, "from", "", "Start of range: RFC3339, YYYY-MM-DD or a duration ago (24h)")
	auditReportCmd.Flags().StringVar(&reportTo, "to", "", "End of range, same formats as --from")
	auditReportCmd.Flags().StringVar(&reportDir, "dir", "", "Audit directory (default from config)")
	auditReportCmd.Flags().StringVar(&reportIndex, "index", "", "SQLite index (default from config)")
	auditReportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying, inspecting and reporting on the hash-chained audit logs.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long: "Walks a JSONL audit log and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry. Without a path, verifies both\n" +
		"logs in the configured audit directory. Exits 0 if valid, 1 if tampered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from a JSONL audit log (default: the general log).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build a compliance report over a time range",
	Long: "Aggregates audit events between --from and --to. Uses the SQLite index\n" +
		"when one is configured, otherwise scans the JSONL logs.",
	Args: cobra.NoArgs,
	RunE: runAuditReport,
}

func auditDir() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Audit.MemoryOnly() {
		return "", fmt.Errorf("audit dir is memory only; pass a path")
	}
	return cfg.Audit.Dir, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	var paths []string
	if len(args) == 1 {
		paths = args
	} else {
		dir, err := auditDir()
		if err != nil {
			return err
		}
		paths = []string{filepath.Join(dir, audit.GeneralFile), filepath.Join(dir, audit.SecurityFile)}
	}

	if !verifyLogs(cmd.OutOrStdout(), cmd.ErrOrStderr(), paths) {
		os.Exit(1)
	}
	return nil
}

// verifyLogs checks each path and reports whether all chains are intact.
func verifyLogs(stdout, stderr io.Writer, paths []string) bool {
	ok := true
	for _, p := range paths {
		result := audit.Verify(p)
		if result.Valid {
			fmt.Fprintf(stdout, "OK: %s: %d entries verified\n", p, result.Lines)
			continue
		}
		ok = false
		fmt.Fprintf(stderr, "FAILED: %s at line %d: %s\n", p, result.ErrorLine, result.Error)
	}
	return ok
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		dir, err := auditDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, audit.GeneralFile)
	}
	return tailLog(cmd.OutOrStdout(), path, tailLines, tailType, tailFormat)
}

func tailLog(w io.Writer, path string, n int, typ, format string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	events, err := audit.ReadEvents(path, time.Time{}, time.Time{})
	if err != nil {
		return err
	}

	if typ != "" {
		t, ok := audit.ParseEventType(typ)
		if !ok {
			return fmt.Errorf("unknown event type %q", typ)
		}
		filtered := events[:0]
		for _, e := range events {
			if e.Type == t {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if start := len(events) - n; n > 0 && start > 0 {
		events = events[start:]
	}

	if format == "json" {
		out, err := audit.FormatJSON(events)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
		return nil
	}
	fmt.Fprint(w, audit.FormatTimeline(events))
	return nil
}

func runAuditReport(cmd *cobra.Command, args []string) error {
	now := time.Now().UTC()
	from, err := parseBound(reportFrom, now)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseBound(reportTo, now)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return fmt.Errorf("--to is before --from")
	}

	dir, index := reportDir, reportIndex
	if dir == "" && index == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		index = cfg.Audit.IndexPath
		if !cfg.Audit.MemoryOnly() {
			dir = cfg.Audit.Dir
		}
	}

	r, err := buildReport(dir, index, from, to, now)
	if err != nil {
		return err
	}

	if reportFormat == "json" {
		out, err := audit.FormatJSON(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatReport(r))
	return nil
}

// buildReport prefers the index when it exists and falls back to the logs.
func buildReport(dir, indexPath string, from, to, now time.Time) (audit.Report, error) {
	if indexPath != "" {
		if _, err := os.Stat(indexPath); err == nil {
			idx, err := audit.OpenIndex(indexPath)
			if err != nil {
				return audit.Report{}, err
			}
			defer idx.Close()

			events, err := idx.Range(from, to)
			if err != nil {
				return audit.Report{}, err
			}
			cov := audit.StoredCoverage("index", events)
			if oldest, ok, err := idx.Oldest(); err == nil && ok {
				cov.OldestAvailable = oldest
			}
			return audit.BuildReport(events, from, to, cov, now), nil
		}
	}

	if dir == "" {
		return audit.Report{}, fmt.Errorf("no audit directory or index configured")
	}
	// read everything so coverage reflects the oldest stored event
	events, err := audit.ReadDir(dir, time.Time{}, time.Time{})
	if err != nil {
		return audit.Report{}, err
	}
	return audit.BuildReport(events, from, to, audit.StoredCoverage("files", events), now), nil
}

// parseBound accepts RFC3339, a date, or a duration meaning that long ago.
// Empty means unbounded.
func parseBound(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time, date or duration", s)
}
