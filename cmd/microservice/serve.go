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
	"github.com/ikvm/Microservice/pkg/logx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the service until SIGINT or SIGTERM (SIGHUP reloads config)",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the config file",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.NewSource(cfgFile).Parse()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("%s: ok (%d channels, %d master jobs, %d schedules)\n",
			cfgFile, len(cfg.Channels), len(cfg.MasterJobs), len(cfg.Schedules))
		return nil
	},
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := app.NewFromFile(ctx, cfgFile)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopAppStop
wait:
	for {
		select {
		case s := <-sigs:
			switch s {
			case syscall.SIGHUP:
				applied, err := a.ReloadConfig(ctx)
				if err != nil {
					a.Logger().Warn("reload on SIGHUP failed", logx.Err(err))
				} else if !applied {
					a.Logger().Info("reload on SIGHUP: config unchanged")
				}
				continue
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			default:
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}
		break wait
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
