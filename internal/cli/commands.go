package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/studio-jobs/internal/server"
	"github.com/ChuLiYu/studio-jobs/internal/storage/wal"
	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// requestTimeout bounds every client RPC.
const requestTimeout = 10 * time.Second

// withClient dials the server and runs fn with a bounded context.
func (o *options) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr := o.addr
	if addr == "" {
		cfg, err := o.loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Server.Addr
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

func domainArg(s string) (types.Domain, error) {
	return types.ParseDomain(s)
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		params     []string
		paramsFile string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <domain>",
		Short: "Submit a job",
		Long: `Submit a job to one of the domains: generation, scraping, training, remediation.

Values given with --param are decoded as JSON when possible, so numbers and
booleans keep their type; anything else is sent as a string.`,
		Example: `  studiojobs submit generation -p prompt="a lighthouse at dusk" -p steps=30
  studiojobs submit scraping -p url=https://example.com/gallery -p caption=true
  studiojobs submit training --params-file lora.json --timeout 8h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, err := domainArg(args[0])
			if err != nil {
				return err
			}
			values, err := buildParams(paramsFile, params)
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				id, err := c.Submit(ctx, domain, values, timeout)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]string{"job_id": string(id)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "job parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "JSON file holding the parameter object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "process timeout (default: adapter setting)")
	return cmd
}

// buildParams merges the params file and key=value pairs; pairs win.
func buildParams(file string, pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse params file: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", pair)
		}
		out[key] = paramValue(raw)
	}
	return out, nil
}

func paramValue(raw string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	switch v.(type) {
	case float64, bool:
		return v
	default:
		return raw
	}
}

// ============================================================================
// status / queue / history
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status or service status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					s, err := c.Stats(ctx)
					if err != nil {
						return err
					}
					if opts.jsonOut {
						return printJSON(out, s)
					}
					printStats(out, s)
					return nil
				}
				job, err := c.GetStatus(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(out, job)
				}
				printJob(out, job)
				return nil
			})
		},
	}
}

func buildQueueCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "queue <domain>",
		Short: "List jobs waiting in a domain queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, err := domainArg(args[0])
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListQueue(ctx, domain)
				if err != nil {
					return err
				}
				return opts.printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
}

func buildHistoryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <domain>",
		Short: "List finished jobs of a domain, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, err := domainArg(args[0])
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListHistory(ctx, domain)
				if err != nil {
					return err
				}
				return opts.printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}
}

// ============================================================================
// cancel / cleanup
// ============================================================================

func buildCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.Cancel(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return opts.printJobLine(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildCleanupCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <job-id>",
		Short: "Remove the artifacts of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.Cleanup(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return opts.printJobLine(cmd.OutOrStdout(), job)
			})
		},
	}
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(opts *options) *cobra.Command {
	var path string
	walPath := func(cmd *cobra.Command) (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := opts.loadConfig(cmd)
		if err != nil {
			return "", err
		}
		return cfg.WAL.Path, nil
	}

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log offline",
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "WAL file (default: wal.path from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print one line per event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath(cmd)
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	}, &cobra.Command{
		Use:   "stats",
		Short: "Summarise events by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath(cmd)
			if err != nil {
				return err
			}
			stats, err := wal.GetStats(p)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			printWALStats(cmd.OutOrStdout(), p, stats)
			return nil
		},
	})
	return cmd
}

// ============================================================================
// 輸出格式
// ============================================================================

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *options) printJobs(w io.Writer, jobs []types.Job) error {
	if o.jsonOut {
		if jobs == nil {
			jobs = []types.Job{}
		}
		return printJSON(w, jobs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOMAIN\tSTATUS\tPROGRESS\tCREATED\tARTIFACT / ERROR")
	for _, j := range jobs {
		detail := j.Artifact
		if j.Error != "" {
			detail = j.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			j.ID, j.Domain, j.Status, j.Progress.Percent, formatMillis(j.CreatedAt), detail)
	}
	return tw.Flush()
}

func (o *options) printJobLine(w io.Writer, job types.Job) error {
	if o.jsonOut {
		return printJSON(w, job)
	}
	_, err := fmt.Fprintf(w, "%s %s\n", job.ID, job.Status)
	return err
}

func printJob(w io.Writer, j types.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", j.ID)
	fmt.Fprintf(tw, "Domain:\t%s\n", j.Domain)
	fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "Progress:\t%.1f%% %s\n", j.Progress.Percent, j.Progress.Stage)
	if j.Progress.Message != "" {
		fmt.Fprintf(tw, "Message:\t%s\n", j.Progress.Message)
	}
	if len(j.Progress.Counters) > 0 {
		fmt.Fprintf(tw, "Counters:\t%s\n", formatCounters(j.Progress.Counters))
	}
	fmt.Fprintf(tw, "Created:\t%s\n", formatMillis(j.CreatedAt))
	if j.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", formatMillis(*j.StartedAt))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s\n", formatMillis(*j.CompletedAt))
	}
	if j.Artifact != "" {
		fmt.Fprintf(tw, "Artifact:\t%s\n", j.Artifact)
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", j.Error)
	}
	if len(j.Params) > 0 {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(j.Params)
		fmt.Fprintf(tw, "Params:\t%s", buf.String())
	}
	tw.Flush()
}

func printStats(w io.Writer, s server.StatsView) {
	fmt.Fprintf(w, "Uptime: %s\n\n", s.Uptime)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tPHASE\tQUEUED\tHISTORY")
	domains := make([]string, 0, len(s.Phases))
	for d := range s.Phases {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", d, s.Phases[d], s.Queued[d], s.History[d])
	}
	tw.Flush()

	fmt.Fprintf(w, "\nJobs: %s\n", formatCounters(s.Jobs))
	if s.GPU != "" {
		fmt.Fprintf(w, "GPU: held by %s (%s)\n", s.GPU, s.GPUJobID)
	} else {
		fmt.Fprintln(w, "GPU: free")
	}
}

func printWALStats(w io.Writer, path string, s *wal.Stats) {
	fmt.Fprintf(w, "File:    %s\n", path)
	fmt.Fprintf(w, "Events:  %d (seq %d..%d)\n", s.TotalEvents, s.FirstSeq, s.LastSeq)
	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Range:   %s .. %s\n", formatMillis(s.TimeRange[0]), formatMillis(s.TimeRange[1]))
	}
	names := make([]string, 0, len(s.EventTypes))
	for t := range s.EventTypes {
		names = append(names, string(t))
	}
	sort.Strings(names)
	for _, t := range names {
		fmt.Fprintf(w, "  %-8s %d\n", t, s.EventTypes[wal.EventType(t)])
	}
}

func formatCounters(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
