package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dealerkit/scheduler"
	"github.com/dealerkit/scheduler/agent"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler daemon in the foreground",
	Long: `Run the scheduler daemon in the foreground.

The daemon exits on SIGINT/SIGTERM or when the stop sentinel file
appears (see "schedulerd stop"). A job already handed to the
automation agent is allowed to finish before shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig()
		if err != nil {
			return err
		}
		log, cleanup, err := buildLogger(v)
		if err != nil {
			return err
		}
		defer cleanup()

		store, err := openStore(v, log)
		if err != nil {
			return err
		}
		defer store.Close()

		bot, err := agent.New(agent.Config{
			Command:      v.GetString("agent.command"),
			WorkDir:      v.GetString("agent.workdir"),
			ProfilesFile: v.GetString("agent.profiles_file"),
			Logger:       log,
		})
		if err != nil {
			return err
		}

		sched, err := scheduler.New(scheduler.Config{
			Store:        store,
			Agent:        bot,
			Logger:       log,
			PollInterval: v.GetDuration("scheduler.poll_interval"),
			DueBuffer:    v.GetDuration("scheduler.due_buffer"),
			AgentTimeout: v.GetDuration("scheduler.agent_timeout"),
			StaleAfter:   v.GetDuration("scheduler.stale_after"),
			StopFile:     v.GetString("scheduler.stop_file"),
		})
		if err != nil {
			return err
		}

		if err := sched.Start(context.Background()); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		// Exit on signal, or when the loop stopped itself (stop sentinel).
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
	wait:
		for {
			select {
			case sig := <-sigCh:
				log.Infow("signal received, shutting down", "signal", sig.String())
				break wait
			case <-ticker.C:
				if !sched.IsRunning() {
					break wait
				}
			}
		}

		// Allow an in-flight agent call to finish.
		stopCtx, cancel := context.WithTimeout(context.Background(),
			v.GetDuration("scheduler.agent_timeout")+time.Minute)
		defer cancel()
		return sched.Stop(stopCtx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running daemon to exit",
	Long: `Create the stop sentinel file.

A running daemon checks for the sentinel at the top of each poll cycle
and exits after finishing any in-flight job. The daemon removes the
sentinel on its next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig()
		if err != nil {
			return err
		}
		path := v.GetString("scheduler.stop_file")
		content := fmt.Sprintf("stop requested at %s\n", scheduler.FormatTime(time.Now()))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write stop sentinel %s: %w", path, err)
		}
		fmt.Printf("Stop sentinel written to %s; the daemon will exit after its current job.\n", path)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts, the next run, and recent history",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(v, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Jobs:")
		for _, st := range []scheduler.Status{
			scheduler.StatusPending, scheduler.StatusRunning,
			scheduler.StatusCompleted, scheduler.StatusFailed,
			scheduler.StatusCancelled,
		} {
			fmt.Printf("  %-10s %d\n", st, counts[st])
		}

		next, err := store.NextPending(ctx)
		if err != nil {
			return err
		}
		if next != nil {
			fmt.Printf("\nNext run: %s (listing %s, profile %s) at %s\n",
				next.ID, next.ListingRef, next.ProfileDisplayName,
				scheduler.FormatTime(next.NextRunAt))
		} else {
			fmt.Println("\nNo pending jobs.")
		}

		history, err := store.History(ctx, "", 5)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			fmt.Println("\nRecent runs:")
			for _, e := range history {
				line := fmt.Sprintf("  %s  %-9s  listing %s (%s)",
					scheduler.FormatTime(e.StartedAt), e.Status, e.ListingRef,
					e.Duration.Round(time.Second))
				if e.ErrorMessage != "" {
					line += "  " + e.ErrorMessage
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run a read-only health check of the store and schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(v, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		// Diagnostics never execute jobs; a no-op agent satisfies the
		// scheduler constructor.
		sched, err := scheduler.New(scheduler.Config{
			Store:        store,
			Agent:        scheduler.AgentFunc(func(context.Context, scheduler.PostRequest) error { return nil }),
			PollInterval: v.GetDuration("scheduler.poll_interval"),
			DueBuffer:    v.GetDuration("scheduler.due_buffer"),
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		report := sched.RunDiagnostic(ctx)

		fmt.Printf("Generated: %s\n", scheduler.FormatTime(report.GeneratedAt))
		if !report.StoreReachable {
			fmt.Printf("Store:     UNREACHABLE (%s)\n", report.StoreError)
			return nil
		}
		fmt.Println("Store:     ok")

		fmt.Println("Jobs:")
		for _, jd := range report.Jobs {
			flag := " "
			if jd.Due {
				flag = "*"
			}
			fmt.Printf("  %s %-36s %-9s next %s  recurrence %s\n",
				flag, jd.Job.ID, jd.Job.Status,
				scheduler.FormatTime(jd.Job.NextRunAt), jd.Job.Recurrence)
		}

		for _, w := range report.Warnings {
			fmt.Println("Warning:", w)
		}
		if len(report.Warnings) == 0 {
			fmt.Println("No warnings.")
		}
		return nil
	},
}
