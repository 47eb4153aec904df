package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/repo"
	"github.com/animus-labs/rubberband/internal/service/ingest"
	"github.com/animus-labs/rubberband/internal/service/lifecycle"
	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type app struct {
	runs      repo.RunStore
	ingest    *ingest.Service
	lifecycle *lifecycle.Service
	scheduler *lifecycle.Scheduler
	stdout    io.Writer
	stderr    io.Writer
	user      string
}

var commands = map[string]func(*app, context.Context, []string) int{
	"import":   (*app).runImport,
	"reimport": (*app).runReimport,
	"delete":   (*app).runDelete,
	"sweep":    (*app).runSweep,
	"list":     (*app).runList,
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(a.stderr, usage)
		return exitUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(a.stderr, "Unknown command: %s\n\n%s", args[0], usage)
		return exitUsage
	}
	return cmd(a, ctx, args[1:])
}

func (a *app) runImport(ctx context.Context, args []string) int {
	fs := a.newFlagSet("import", "[options] FILE...")
	tags := fs.StringSlice("tags", nil, "comma separated tags for every imported run")
	expiration := fs.String("expiration", "", "expiration date of the runs (YYYY-MM-DD)")
	user := fs.StringP("user", "u", a.user, "name recorded as uploader")
	asJSON := fs.Bool("json", false, "print the import reports as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(a.stderr, "rbctl import: --user is required when USER is not set")
		return exitUsage
	}

	// Local files belong to the caller and are never removed.
	opts := ingest.Options{User: *user, KeepFiles: true}
	for _, tag := range *tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			opts.Tags = append(opts.Tags, tag)
		}
	}
	if *expiration != "" {
		day, err := domain.ParseDate(*expiration)
		if err != nil {
			fmt.Fprintf(a.stderr, "rbctl import: invalid --expiration %q (want YYYY-MM-DD)\n", *expiration)
			return exitUsage
		}
		opts.ExpirationDate = &day
	}

	reports, err := a.ingest.ImportAll(ctx, fs.Args(), opts)
	a.printReports(reports, *asJSON)
	if err != nil {
		fmt.Fprintf(a.stderr, "rbctl import: %v\n", err)
		return exitFailure
	}
	return reportsExitCode(reports)
}

func (a *app) runReimport(ctx context.Context, args []string) int {
	fs := a.newFlagSet("reimport", "[options] RUN_ID [FILE...]")
	asJSON := fs.Bool("json", false, "print the import report as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	runID, files := fs.Arg(0), fs.Args()[1:]
	opts := ingest.Options{User: a.user, KeepFiles: true}

	var (
		report *domain.ImportReport
		err    error
	)
	if len(files) == 0 {
		report, err = a.ingest.ReimportFromBackups(ctx, runID, opts)
	} else {
		report, err = a.ingest.Reimport(ctx, runID, files, opts)
	}
	if report != nil {
		a.printReports([]*domain.ImportReport{report}, *asJSON)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fmt.Fprintf(a.stderr, "rbctl reimport: run %s not found\n", runID)
		} else {
			fmt.Fprintf(a.stderr, "rbctl reimport: %v\n", err)
		}
		return exitFailure
	}
	return reportsExitCode([]*domain.ImportReport{report})
}

func (a *app) runDelete(ctx context.Context, args []string) int {
	fs := a.newFlagSet("delete", "RUN_ID...")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}
	code := exitOK
	for _, runID := range fs.Args() {
		res, err := a.lifecycle.Delete(ctx, runID, lifecycle.TriggerCLI)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				fmt.Fprintf(a.stderr, "%s: not found\n", runID)
			} else {
				fmt.Fprintf(a.stderr, "%s: %v\n", runID, err)
			}
			code = exitFailure
			continue
		}
		fmt.Fprintf(a.stdout, "%s: deleted (%d results, %d settings, %d files",
			res.RunID, res.Results, res.Settings, res.Backups)
		if res.MissingObjects > 0 {
			fmt.Fprintf(a.stdout, ", %d archived objects already missing", res.MissingObjects)
		}
		fmt.Fprintln(a.stdout, ")")
	}
	return code
}

func (a *app) runSweep(ctx context.Context, args []string) int {
	fs := a.newFlagSet("sweep", "[options]")
	dayFlag := fs.String("day", "", "sweep as of this day (YYYY-MM-DD); default today, under the shared sweep lock")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	var (
		res lifecycle.SweepResult
		err error
	)
	if *dayFlag == "" {
		res, err = a.scheduler.RunNow(ctx)
	} else {
		day, perr := domain.ParseDate(*dayFlag)
		if perr != nil {
			fmt.Fprintf(a.stderr, "rbctl sweep: invalid --day %q (want YYYY-MM-DD)\n", *dayFlag)
			return exitUsage
		}
		res, err = a.lifecycle.Sweep(ctx, day)
	}
	if errors.Is(err, lifecycle.ErrSweepInProgress) {
		fmt.Fprintln(a.stderr, "rbctl sweep: another sweep is running")
		return exitFailure
	}

	fmt.Fprintf(a.stdout, "sweep %s: %d expired, %d deleted in %s\n",
		res.Day.Format(domain.DateLayout), res.Matched, res.Deleted,
		time.Duration(res.DurationMs())*time.Millisecond)
	if res.MissingObjects > 0 {
		fmt.Fprintf(a.stdout, "%d archived objects were already missing\n", res.MissingObjects)
	}
	for _, id := range res.Failed {
		fmt.Fprintf(a.stdout, "kept %s (delete failed)\n", id)
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "rbctl sweep: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func (a *app) runList(ctx context.Context, args []string) int {
	fs := a.newFlagSet("list", "[options]")
	var filter repo.RunFilter
	fs.StringVar(&filter.Uploader, "uploader", "", "only runs uploaded by this user")
	fs.StringVar(&filter.Solver, "solver", "", "only runs of this solver")
	fs.StringVar(&filter.TestSet, "test-set", "", "only runs of this test set")
	fs.StringVar(&filter.Tag, "tag", "", "only runs carrying this tag")
	fs.IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of runs")
	asJSON := fs.Bool("json", false, "print runs as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	runs, err := a.runs.ListRuns(ctx, filter)
	if err != nil {
		fmt.Fprintf(a.stderr, "rbctl list: %v\n", err)
		return exitFailure
	}
	if *asJSON {
		type row struct {
			ID         string   `json:"id"`
			Filename   string   `json:"filename"`
			Solver     string   `json:"solver"`
			TestSet    string   `json:"test_set"`
			Uploader   string   `json:"uploader"`
			Tags       []string `json:"tags"`
			IndexedAt  string   `json:"index_timestamp"`
			Expiration string   `json:"expiration_date,omitempty"`
		}
		rows := make([]row, 0, len(runs))
		for _, run := range runs {
			r := row{
				ID:        run.ID,
				Filename:  run.Filename,
				Solver:    run.Solver,
				TestSet:   run.TestSet,
				Uploader:  run.UploaderName(),
				Tags:      run.Tags,
				IndexedAt: run.IndexTimestamp.UTC().Format(time.RFC3339),
			}
			if run.ExpirationDate != nil {
				r.Expiration = run.ExpirationDate.UTC().Format(domain.DateLayout)
			}
			rows = append(rows, r)
		}
		return a.printJSON(rows)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSOLVER\tTEST SET\tUPLOADER\tINDEXED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Filename, run.Solver, run.TestSet, run.UploaderName(),
			humanize.Time(run.IndexTimestamp))
	}
	if err := tw.Flush(); err != nil {
		return exitFailure
	}
	return exitOK
}

func (a *app) printReports(reports []*domain.ImportReport, asJSON bool) {
	if asJSON {
		a.printJSON(reports)
		return
	}
	for _, report := range reports {
		if report == nil {
			continue
		}
		name := report.Basename()
		if name == "" {
			name = "(no files)"
		}
		fmt.Fprintf(a.stdout, "%s: %s", name, report.Status())
		if report.RunID() != "" {
			fmt.Fprintf(a.stdout, " %s", report.RunID())
		}
		fmt.Fprintln(a.stdout)

		messages := report.Messages()
		keys := make([]string, 0, len(messages))
		for k := range messages {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, msg := range messages[k] {
				fmt.Fprintf(a.stdout, "  %s\n", msg)
			}
		}
	}
}

func (a *app) printJSON(v any) int {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(a.stderr, "rbctl: encode output: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return exitOK, true
	case errors.Is(err, flag.ErrHelp):
		return exitOK, false
	default:
		return exitUsage, false
	}
}

// reportsExitCode is 1 when any bundle failed.
func reportsExitCode(reports []*domain.ImportReport) int {
	for _, report := range reports {
		if report != nil && report.Status() == domain.StatusFail {
			return exitFailure
		}
	}
	return exitOK
}
