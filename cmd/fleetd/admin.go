package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wandeon/fleet-sub000/internal/dispatch"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/config"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/logging"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
	"github.com/Wandeon/fleet-sub000/internal/state"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// toolEnv is the database-backed service the admin subcommands share.
// The bus has no subscribers: a running daemon picks new jobs up from
// the store on its next poll.
type toolEnv struct {
	db  *database.DB
	svc *dispatch.Service
	bus *events.Bus
}

func (e *toolEnv) Close() error {
	e.bus.Close()
	return e.db.Close()
}

func openToolEnv(ctx context.Context, cfg *config.Config) (*toolEnv, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	registry, err := loadRegistry(ctx, cfg, logging.Discard())
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, err
	}

	bus := events.NewBus(1)
	svc, err := dispatch.New(dispatch.Deps{
		Registry: registry,
		Jobs:     jobs.NewStore(db),
		States:   state.NewStore(db, bus),
		Events:   events.NewStore(db),
		Bus:      bus,
	})
	if err != nil {
		bus.Close()
		db.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return &toolEnv{db: db, svc: svc, bus: bus}, nil
}

// withToolEnv loads the config, opens the service and runs fn against it.
func withToolEnv(cmd *cobra.Command, opts *rootOptions, fn func(*toolEnv) error) error {
	cfg, err := loadToolConfig(getConfigPath(opts.ConfigPath))
	if err != nil {
		return err
	}
	env, err := openToolEnv(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer env.Close() //nolint:errcheck // read-mostly tool
	return fn(env)
}

// ─── migrate ────────────────────────────────────────────────────────

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var down, status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadToolConfig(getConfigPath(opts.ConfigPath))
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), database.Config{
				Path:        cfg.Database.Path,
				WALMode:     cfg.Database.WALMode,
				BusyTimeout: cfg.Database.BusyTimeout,
			})
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close() //nolint:errcheck // CLI exit

			out := cmd.OutOrStdout()
			switch {
			case down:
				if err := db.MigrateDown(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(out, "rolled back latest migration")
			case !status:
				if err := db.Migrate(cmd.Context()); err != nil {
					return err
				}
			}
			return printMigrationStatus(cmd.Context(), out, db)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	cmd.Flags().BoolVar(&status, "status", false, "only report applied and pending migrations")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	return cmd
}

func printMigrationStatus(ctx context.Context, out io.Writer, db *database.DB) error {
	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE")
	for _, r := range applied {
		fmt.Fprintf(tw, "%s\tapplied %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\tpending (%s)\n", m.Version, m.Name)
	}
	return tw.Flush()
}

// ─── enqueue ────────────────────────────────────────────────────────

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		path, url, method string
		body, payload     string
		dedupeKey         string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <device> <command>",
		Short: "Queue a command for a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := dispatch.EnqueueSpec{
				DeviceID:  args[0],
				Command:   args[1],
				DedupeKey: dedupeKey,
				Origin:    events.OriginCLI,
				Request:   &transport.RequestDefinition{Path: path, URL: url, Method: method},
			}
			if body != "" {
				spec.Request.Body = json.RawMessage(body)
			}
			if payload != "" {
				spec.Payload = json.RawMessage(payload)
			}
			if len(spec.Request.Body) > 0 && !json.Valid(spec.Request.Body) {
				return fmt.Errorf("--body is not valid JSON")
			}

			return withToolEnv(cmd, opts, func(env *toolEnv) error {
				res, err := env.svc.Enqueue(cmd.Context(), spec)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "request path joined to the device base URL")
	cmd.Flags().StringVar(&url, "url", "", "absolute request URL (overrides --path)")
	cmd.Flags().StringVar(&method, "method", "", "HTTP method (default GET)")
	cmd.Flags().StringVar(&body, "body", "", "JSON request body")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload recorded with the intent event")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "collapse with an active job holding this key")
	return cmd
}

// ─── jobs ───────────────────────────────────────────────────────────

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect queued and finished jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withToolEnv(cmd, opts, func(env *toolEnv) error {
				job, err := env.svc.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	})

	var filter struct {
		device, status string
		limit          int
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withToolEnv(cmd, opts, func(env *toolEnv) error {
				list, err := env.svc.ListJobs(cmd.Context(), jobs.ListFilter{
					DeviceID: filter.device,
					Status:   jobs.Status(filter.status),
					Limit:    filter.limit,
				})
				if err != nil {
					return err
				}
				return printJobs(cmd.OutOrStdout(), list)
			})
		},
	}
	list.Flags().StringVar(&filter.device, "device", "", "only jobs for this device")
	list.Flags().StringVar(&filter.status, "status", "", "only jobs in this status")
	list.Flags().IntVar(&filter.limit, "limit", 20, "maximum jobs to show")
	cmd.AddCommand(list)

	return cmd
}

func printJobs(out io.Writer, list []jobs.Job) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tCOMMAND\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.DeviceID, j.Command, j.Status, j.Attempts, j.CreatedAt.Format(time.RFC3339), j.Error)
	}
	return tw.Flush()
}

// ─── events ─────────────────────────────────────────────────────────

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var deviceID, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List device events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query, err := dispatch.ParseEventQuery(deviceID, since, fmt.Sprint(limit))
			if err != nil {
				return err
			}
			return withToolEnv(cmd, opts, func(env *toolEnv) error {
				list, err := env.svc.ListEvents(cmd.Context(), query)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tDEVICE\tTYPE\tORIGIN\tJOB")
				for _, e := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Format(time.RFC3339), e.DeviceID, e.EventType, e.Origin, e.JobID)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "only events for this device")
	cmd.Flags().StringVar(&since, "since", "", "only events after this time (RFC 3339 or Unix ms)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
