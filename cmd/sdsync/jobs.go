package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slvnlrt/spacedrive/internal/metrics"
	"github.com/slvnlrt/spacedrive/pkg/jobs"
	"github.com/slvnlrt/spacedrive/pkg/mutation"
	"github.com/slvnlrt/spacedrive/pkg/protocol"
	"github.com/slvnlrt/spacedrive/pkg/session"
	"github.com/slvnlrt/spacedrive/pkg/speed"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List, watch and control daemon jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(a),
		newJobsWatchCmd(a),
		newJobControlCmd(a, "pause", jobs.MethodPause, "Pause a running job"),
		newJobControlCmd(a, "resume", jobs.MethodResume, "Resume a paused job"),
		newJobControlCmd(a, "cancel", jobs.MethodCancel, "Cancel a job"),
	)
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print all jobs once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := session.FromConfig(a.cfg, jobs.Options{}, a.log)
			defer s.Close()

			if err := s.Jobs().Ready(cmd.Context()); err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			list := s.Jobs().List()
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printJobs(a.out, list, s.Jobs().SpeedHistory)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print jobs as JSON")
	return cmd
}

func newJobsWatchCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow jobs live over the event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watchJobs(cmd.Context(), all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include finished jobs")
	return cmd
}

func (a *app) watchJobs(ctx context.Context, all bool) error {
	s := session.FromConfig(a.cfg, jobs.Options{
		OnJobCompleted: func(id, jobType string) {
			fmt.Fprintf(a.out, "job %s completed (%s)\n", id, jobType)
		},
		OnJobFailed: func(id, message string) {
			fmt.Fprintf(a.out, "job %s failed: %s\n", id, message)
		},
		OnJobCancelled: func(id string) {
			fmt.Fprintf(a.out, "job %s cancelled\n", id)
		},
		OnVolumeIndexing: func(fp, id string, active bool) {
			state := "finished"
			if active {
				state = "started"
			}
			fmt.Fprintf(a.out, "volume %s indexing %s (job %s)\n", fp, state, id)
		},
	}, a.log)
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("serving metrics", zap.String("addr", a.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		registry := s.Jobs()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-s.Done():
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event loop stopped")
			case <-registry.Updates():
				list := registry.List()
				if !all {
					list = unfinished(list)
				}
				fmt.Fprintf(a.out, "\n%s  %d active\n", time.Now().Format(time.TimeOnly), registry.ActiveJobCount())
				if err := printJobs(a.out, list, registry.SpeedHistory); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func newJobControlCmd(a *app, use, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := mutation.New(session.NewClient(a.cfg, a.log), nil, a.log)
			_, err := d.Mutate(cmd.Context(), method, protocol.JobActionInput{JobID: args[0]})
			if re, ok := protocol.AsRejection(err); ok {
				return fmt.Errorf("daemon refused to %s job %s: %s", use, args[0], re.Message)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s requested for job %s\n", use, args[0])
			return nil
		},
	}
}

func unfinished(list []jobs.Job) []jobs.Job {
	out := list[:0:0]
	for _, j := range list {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out
}

func printJobs(w io.Writer, list []jobs.Job, history func(string) []speed.Sample) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPROGRESS\tSPEED\tPHASE")
	for _, j := range list {
		progress := "-"
		if j.Progress != nil {
			progress = fmt.Sprintf("%.1f%%", *j.Progress)
		}
		rate := "-"
		if h := history(j.ID); len(h) > 0 {
			rate = formatRate(h[len(h)-1].BytesPerSecond)
		}
		phase := j.CurrentPhase
		if j.StatusMessage != "" {
			phase = strings.TrimSpace(phase + " " + j.StatusMessage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.Status, progress, rate, phase)
	}
	return tw.Flush()
}

func formatRate(bps float64) string {
	units := []string{"B/s", "KiB/s", "MiB/s", "GiB/s"}
	i := 0
	for bps >= 1024 && i < len(units)-1 {
		bps /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", bps, units[i])
}
