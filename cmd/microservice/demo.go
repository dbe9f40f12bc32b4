package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ikvm/Microservice/internal/app"
	"github.com/ikvm/Microservice/internal/config"
	"github.com/ikvm/Microservice/internal/masterjob"
	"github.com/ikvm/Microservice/internal/task/scheduler"
	"github.com/ikvm/Microservice/internal/transport/memory"
	"github.com/ikvm/Microservice/pkg/logx"
)

// newDemoCmd runs several in-process instances on one memory hub. They
// negotiate a master job; stopping the master hands the job to a peer.
func newDemoCmd() *cobra.Command {
	var (
		peers    int
		duration time.Duration
		failover time.Duration
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run in-memory peers that elect a master and fail over",
		RunE: func(_ *cobra.Command, _ []string) error {
			if peers < 1 {
				return fmt.Errorf("peers must be >= 1")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logx.Nop()
			if verbose {
				log = logx.NewConsole("debug")
			}
			hub := memory.NewHub()

			apps := make([]*app.App, 0, peers)
			defer func() {
				for _, a := range apps {
					stopApp(a)
				}
			}()
			for i := range peers {
				a, err := newDemoPeer(ctx, hub, fmt.Sprintf("peer-%d", i+1), log)
				if err != nil {
					return err
				}
				apps = append(apps, a)
			}
			for _, a := range apps {
				if err := a.Start(ctx); err != nil {
					return err
				}
			}

			deadline := time.After(duration)
			var failAt <-chan time.Time
			if failover > 0 {
				failAt = time.After(failover)
			}
			tick := time.NewTicker(time.Second)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-deadline:
					return nil
				case <-failAt:
					for i, a := range apps {
						if a.MasterJobs()[0].IsActive() {
							fmt.Printf("stopping master %s\n", a.ID())
							stopApp(a)
							apps = append(apps[:i], apps[i+1:]...)
							break
						}
					}
				case <-tick.C:
					printStatus(apps)
				}
			}
		},
	}

	cmd.Flags().IntVar(&peers, "peers", 3, "number of instances")
	cmd.Flags().DurationVar(&duration, "duration", 15*time.Second, "how long to run")
	cmd.Flags().DurationVar(&failover, "failover-after", 6*time.Second, "stop the current master after this long (0 disables)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log to the console")
	return cmd
}

func newDemoPeer(ctx context.Context, hub *memory.Hub, id string, log logx.Logger) (*app.App, error) {
	cfg := &config.Config{
		Service:   config.ServiceConfig{Name: "demo", ID: id},
		Scheduler: config.SchedulerConfig{PollInterval: "20ms"},
	}
	a, err := app.New(ctx, cfg, app.WithHub(hub), app.WithLogger(log))
	if err != nil {
		return nil, err
	}
	w := masterjob.Window{Min: 200 * time.Millisecond, Max: 400 * time.Millisecond}
	job, err := a.AddMasterJob(masterjob.Config{
		Name:                "reconcile",
		ChannelID:           "demo.master",
		Frequency:           300 * time.Millisecond,
		InitialWait:         100 * time.Millisecond,
		ActiveWindow:        w,
		FirstInactiveWindow: w,
		DefaultWindow:       w,
		MaxPolls:            3,
	})
	if err != nil {
		return nil, err
	}
	_, err = job.MasterJobRegister(2*time.Second, func(context.Context, *scheduler.Schedule) error {
		fmt.Printf("%s: reconciling\n", id)
		return nil
	}, masterjob.WithName("reconcile.work"))
	return a, err
}

func printStatus(apps []*app.App) {
	for _, a := range apps {
		st := a.MasterJobs()[0].Snapshot()
		fmt.Printf("  %-8s %-14s master=%s\n", st.Self, st.State, st.Master)
	}
	fmt.Println()
}

func stopApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, app.StopAppStop)
}
