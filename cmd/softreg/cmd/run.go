package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/softreg/cmd/softreg/interactive"
	"github.com/ardnew/softreg/config"
	"github.com/ardnew/softreg/devfs"
	"github.com/ardnew/softreg/driver"
	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/hal/fifo"
	"github.com/ardnew/softreg/hal/sim"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

var runFlags struct {
	name      string
	capacity  int
	platform  string
	busDir    string
	tracePath string
	headless  bool
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.name, "name", "", "entry point prefix")
	f.IntVar(&runFlags.capacity, "capacity", 0, "number of minors (1-256)")
	f.StringVarP(&runFlags.platform, "platform", "p", "", "platform: sim or fifo")
	f.StringVar(&runFlags.busDir, "bus-dir", "", "fifo platform bus directory")
	f.StringVarP(&runFlags.tracePath, "trace", "t", "", "write a CBOR event trace to this file")
	f.BoolVar(&runFlags.headless, "headless", false, "run without the interactive shell until interrupted")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the driver and open an interactive shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.ApplyLogging(os.Stderr); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cancel, cfg)
	},
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Name = runFlags.name
	}
	if flags.Changed("capacity") {
		cfg.Capacity = runFlags.capacity
	}
	if flags.Changed("platform") {
		cfg.Platform = runFlags.platform
	}
	if flags.Changed("bus-dir") {
		cfg.BusDir = runFlags.busDir
	}
	if flags.Changed("trace") {
		cfg.Trace.Path = runFlags.tracePath
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Config) error {
	var rec trace.Recorder = trace.Discard
	if cfg.Trace.Path != "" {
		fr, err := trace.NewFileRecorder(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		defer fr.Close()
		rec = fr
	}

	p, bus := newPlatform(cfg)
	ns := devfs.New()
	drv := driver.New(p, ns, cfg.DriverOptions(rec))
	ns.Bind(drv)

	if err := drv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := drv.Stop(); err != nil {
			pkg.LogError(pkg.ComponentDriver, "stop failed", "error", err)
		}
		_ = drv.Close()
	}()

	if cfg.Platform == config.PlatformSim {
		for _, res := range cfg.Sim.Devices {
			if _, err := bus.Plug(res); err != nil {
				pkg.LogWarn(pkg.ComponentDriver, "configured device not plugged", "resource", res, "error", err)
			}
		}
	}

	if runFlags.headless {
		pkg.LogInfo(pkg.ComponentDriver, "running headless", "platform", cfg.Platform)
		<-ctx.Done()
		return nil
	}

	sh, err := interactive.New(drv, ns, bus)
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(sh.Stderr()); err != nil {
		return err
	}
	sh.Run(ctx, cancel)
	return nil
}

func newPlatform(cfg config.Config) (hal.Platform, interactive.Bus) {
	if cfg.Platform == config.PlatformFIFO {
		return fifo.New(cfg.BusDir, cfg.PollInterval), interactive.FIFOBus{Dir: cfg.BusDir}
	}
	p := sim.New()
	return p, interactive.SimBus{P: p}
}
