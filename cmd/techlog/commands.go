package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coffersTech/techlog/internal/engine"
	"github.com/coffersTech/techlog/internal/export"
	"github.com/coffersTech/techlog/internal/model"
	"github.com/coffersTech/techlog/internal/pkg/security"
	"github.com/coffersTech/techlog/internal/pkg/tjql"
	"github.com/coffersTech/techlog/internal/scanner"
	"github.com/coffersTech/techlog/internal/server"
)

var (
	queryLimit  int
	queryJSON   bool
	querySince  string
	queryNewest bool

	histogramInterval time.Duration
)

const cleanerInterval = time.Hour

// errInvalidFilter is returned once the caret diagnostic has been printed.
var errInvalidFilter = errors.New("invalid filter")

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the journal files under the root",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

var queryCmd = &cobra.Command{
	Use:   "query [filter]",
	Short: "Print matching records in time order",
	Long: `Print the records matching filter in time order. An empty filter
matches everything. A filter that is a single /regex/ matches against the
whole record text.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

var checkCmd = &cobra.Command{
	Use:   "check [filter]",
	Short: "Validate a filter without reading the journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var statsCmd = &cobra.Command{
	Use:   "stats [filter]",
	Short: "Count matching records per event and process",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

var histogramCmd = &cobra.Command{
	Use:   "histogram [filter]",
	Short: "Count matching records per time bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistogram,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its bcrypt hash for server.password_hash",
	Args:  cobra.NoArgs,
	RunE:  runHashPassword,
}

func filterArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runScan(cmd *cobra.Command, args []string) error {
	eng, _, err := newEngine(nil)
	if err != nil {
		return err
	}
	snap, err := eng.Snapshot(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOUR\tPROCESS\tSIZE\tCOMPRESSION\tPATH")
	for _, f := range snap.Files {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			f.DateHour.Format("2006-01-02 15:00"), f.ProcessTag, f.Size, f.Compression, f.Rel)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d files\n", len(snap.Files))
	printFileErrors(cmd.ErrOrStderr(), snap.Errors)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	if querySince != "" {
		cfg.Journal.Since = querySince
	}
	if queryLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	eng, _, err := newEngine(nil)
	if err != nil {
		return err
	}
	filter := filterArg(args)
	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()

	var write func(*model.Record) error
	if queryJSON {
		enc := export.NewEncoder(out)
		write = enc.Encode
	} else {
		write = func(r *model.Record) error {
			return writeRecord(out, r)
		}
	}

	if queryNewest && queryLimit > 0 {
		res, err := eng.Search(cmd.Context(), engine.Query{Filter: filter, Limit: queryLimit, Newest: true})
		if err != nil {
			return describeFilterError(cmd, filter, err)
		}
		for i := range res.Records {
			if err := write(&res.Records[i]); err != nil {
				return err
			}
		}
		printFileErrors(cmd.ErrOrStderr(), res.FileErrors)
		return nil
	}

	// Matches print as the merge reaches them.
	v, err := eng.Open(cmd.Context(), filter)
	if err != nil {
		return describeFilterError(cmd, filter, err)
	}
	defer v.Close()
	for v.Next() {
		if err := write(v.Record()); err != nil {
			return err
		}
		if queryLimit > 0 && v.Matched() >= queryLimit {
			break
		}
	}
	if err := v.Err(); err != nil {
		return err
	}
	st := v.Stats()
	logger.Debug("Query finished",
		zap.Int("matched", v.Matched()),
		zap.Int("records", st.Records),
		zap.Int("malformed", st.Malformed),
		zap.Int("late", st.Late))
	printFileErrors(cmd.ErrOrStderr(), v.FileErrors())
	return nil
}

// writeRecord prints one record as "time process raw".
func writeRecord(w io.Writer, r *model.Record) error {
	_, err := fmt.Fprintf(w, "%s %s %s\n", r.Timestamp.Format(model.TimeLayout), r.ProcessID, r.Raw)
	return err
}

func runCheck(cmd *cobra.Command, args []string) error {
	eng, _, err := newEngine(nil)
	if err != nil {
		return err
	}
	if _, err := eng.Compile(args[0]); err != nil {
		return describeFilterError(cmd, args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

// describeFilterError prints a rejected filter with a caret under the
// offending position. Other errors pass through unchanged.
func describeFilterError(cmd *cobra.Command, filter string, err error) error {
	var (
		msg    string
		offset int
	)
	var pe *tjql.ParseError
	var ce *tjql.CompileError
	switch {
	case errors.As(err, &pe):
		msg, offset = pe.Message, pe.Offset
	case errors.As(err, &ce):
		msg, offset = ce.Error(), ce.Offset
	default:
		return err
	}
	offset = min(max(offset, 0), len(filter))

	w := cmd.ErrOrStderr()
	fmt.Fprintln(w, filter)
	fmt.Fprintf(w, "%s^\n", strings.Repeat(" ", utf8.RuneCountInString(filter[:offset])))
	fmt.Fprintf(w, "error at offset %d: %s\n", offset, msg)
	return errInvalidFilter
}

func runStats(cmd *cobra.Command, args []string) error {
	eng, _, err := newEngine(nil)
	if err != nil {
		return err
	}
	filter := filterArg(args)
	st, err := eng.Stats(cmd.Context(), filter)
	if err != nil {
		return describeFilterError(cmd, filter, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "records: %d\n", st.Records)
	if st.Records > 0 {
		fmt.Fprintf(out, "first:   %s\n", st.First.Format(model.TimeLayout))
		fmt.Fprintf(out, "last:    %s\n", st.Last.Format(model.TimeLayout))
	}
	fmt.Fprintf(out, "files: %d  malformed: %d  incomplete: %d  late: %d\n",
		st.Files, st.Malformed, st.Incomplete, st.Late)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\nEVENT\tCOUNT\tDURATION\t")
	for _, es := range st.Events {
		fmt.Fprintf(tw, "%s\t%d\t%d\t\n", es.Event, es.Count, es.Duration)
	}
	fmt.Fprintln(tw, "\nPROCESS\tCOUNT\t")
	for _, tag := range slices.Sorted(maps.Keys(st.Processes)) {
		fmt.Fprintf(tw, "%s\t%d\t\n", tag, st.Processes[tag])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	printFileErrors(cmd.ErrOrStderr(), st.FileErrors)
	return nil
}

func runHistogram(cmd *cobra.Command, args []string) error {
	eng, _, err := newEngine(nil)
	if err != nil {
		return err
	}
	filter := filterArg(args)
	points, err := eng.Histogram(cmd.Context(), filter, histogramInterval)
	if err != nil {
		return describeFilterError(cmd, filter, err)
	}

	peak := 0
	for _, p := range points {
		peak = max(peak, p.Count)
	}
	out := cmd.OutOrStdout()
	for _, p := range points {
		fmt.Fprintf(out, "%s %8d %s\n", p.Time.Format("2006-01-02 15:04:05"), p.Count, bar(p.Count, peak, 40))
	}
	return nil
}

// bar renders n relative to peak as at most width '#' characters.
func bar(n, peak, width int) string {
	if peak == 0 || n == 0 {
		return ""
	}
	return strings.Repeat("#", max(1, n*width/peak))
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, cat, err := newEngine(engine.NewMetrics(reg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cat != nil {
		go cat.RunCleaner(ctx, cfg.Cache.Retention, cleanerInterval)
	}

	// A missing root fails startup.
	if _, err := eng.Snapshot(ctx); err != nil {
		return err
	}

	srv := server.New(eng, cfg.Server, logger, reg)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	hash, err := security.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func printFileErrors(w io.Writer, errs []scanner.FileError) {
	for _, fe := range errs {
		fmt.Fprintf(w, "warning: %s\n", fe.Error())
	}
}
