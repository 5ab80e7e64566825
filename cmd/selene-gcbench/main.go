// selene-gcbench stress-drives the Selene garbage collector with synthetic
// mutator workloads and reports reclaim totals and pause percentiles.
package main

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/selene-lang/selene/gc"
	"github.com/selene-lang/selene/internal/multierror"
)

type config struct {
	Mode      string `toml:"mode"`
	Heaps     int    `toml:"heaps"`
	Objects   int    `toml:"objects"`
	StepEvery int    `toml:"step-every"`
	Survivors int    `toml:"survivors"`
	Pause     int    `toml:"pause"`
	StepMul   int    `toml:"step-mul"`
	MinorMul  int    `toml:"minor-mul"`
	Budget    string `toml:"budget"`
	LogLevel  string `toml:"log-level"`
}

func defaultConfig() config {
	return config{
		Mode:      "incremental",
		Heaps:     1,
		Objects:   200000,
		StepEvery: 64,
		Survivors: 1024,
		Pause:     200,
		StepMul:   100,
		MinorMul:  25,
		LogLevel:  "info",
	}
}

func (c *config) validate() error {
	var errs []error
	if c.Mode != "incremental" && c.Mode != "generational" {
		errs = append(errs, errors.Errorf("mode must be incremental or generational, got %q", c.Mode))
	}
	if c.Heaps < 1 {
		errs = append(errs, errors.New("heaps must be at least 1"))
	}
	if c.Objects < 1 {
		errs = append(errs, errors.New("objects must be at least 1"))
	}
	if c.StepEvery < 1 {
		errs = append(errs, errors.New("step-every must be at least 1"))
	}
	return multierror.Join(errs...)
}

func loadConfig(path string, flags *pflag.FlagSet) (config, error) {
	cfg := config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "reading config file")
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, "parsing config file")
		}
	}
	// Flags win over the file; the file wins over defaults.
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("heaps") {
		cfg.Heaps, _ = flags.GetInt("heaps")
	}
	if flags.Changed("objects") {
		cfg.Objects, _ = flags.GetInt("objects")
	}
	if flags.Changed("budget") {
		cfg.Budget, _ = flags.GetString("budget")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return cfg, errors.Wrap(err, "merging defaults")
	}
	return cfg, cfg.validate()
}

type heapReport struct {
	allocated int64
	reclaimed int64
	pauses    []float64 // seconds
}

// runHeap churns one independent State: allocate tables of interned strings,
// keep a rotating window of survivors rooted, and step the collector on a
// fixed cadence.
func runHeap(id int, cfg config) (heapReport, error) {
	var rep heapReport
	opts := []gc.Option{
		gc.WithWarn(func(msg string) {
			log.L.WithField("heap", id).Warn(msg)
		}),
	}
	if cfg.Budget != "" {
		budget, err := units.RAMInBytes(cfg.Budget)
		if err != nil {
			return rep, errors.Wrap(err, "parsing budget")
		}
		opts = append(opts, gc.WithAllocator(func(_, newSize int64) bool {
			return newSize <= budget
		}))
	}
	s := gc.New(opts...)
	if cfg.Mode == "generational" {
		if err := s.SetMode(gc.ModeGenMinor); err != nil {
			return rep, err
		}
	}
	for _, p := range []struct {
		param gc.Param
		value int
	}{
		{gc.ParamPause, cfg.Pause},
		{gc.ParamStepMul, cfg.StepMul},
		{gc.ParamMinorMul, cfg.MinorMul},
	} {
		if err := s.SetParam(p.param, p.value); err != nil {
			return rep, err
		}
	}

	window := s.NewTable()
	if err := s.TableSet(s.Registry(), gc.StringValue(s.NewString("window")), gc.ObjValue(window)); err != nil {
		return rep, err
	}

	var peak int64
	for i := 0; i < cfg.Objects; i++ {
		scratch := s.NewTable()
		slot := gc.Int(int64(i%cfg.Survivors + 1))
		if err := s.TableSet(window, slot, gc.ObjValue(scratch)); err != nil {
			return rep, err
		}
		if err := s.TableSet(scratch, gc.Int(1), gc.StringValue(s.NewString(fmt.Sprintf("payload-%d", i%997)))); err != nil {
			return rep, err
		}
		if total := s.CountBytes(); total > peak {
			peak = total
		}
		if i%cfg.StepEvery == cfg.StepEvery-1 {
			start := time.Now()
			s.Step()
			rep.pauses = append(rep.pauses, time.Since(start).Seconds())
		}
	}
	rep.allocated = peak
	before := s.CountBytes()
	start := time.Now()
	s.FullCollection(false)
	rep.pauses = append(rep.pauses, time.Since(start).Seconds())
	rep.reclaimed = before - s.CountBytes()
	return rep, s.Close()
}

func report(cfg config, reports []heapReport) error {
	var pauses []float64
	var reclaimed int64
	for _, r := range reports {
		pauses = append(pauses, r.pauses...)
		reclaimed += r.reclaimed
	}
	p50, err := stats.Percentile(pauses, 50)
	if err != nil {
		return errors.Wrap(err, "computing percentiles")
	}
	p95, err := stats.Percentile(pauses, 95)
	if err != nil {
		return errors.Wrap(err, "computing percentiles")
	}
	maxPause, err := stats.Max(pauses)
	if err != nil {
		return errors.Wrap(err, "computing percentiles")
	}
	fmt.Printf("mode:            %s\n", cfg.Mode)
	fmt.Printf("heaps:           %d\n", cfg.Heaps)
	fmt.Printf("collector steps: %d\n", len(pauses))
	fmt.Printf("final reclaim:   %s\n", units.HumanSize(float64(reclaimed)))
	fmt.Printf("pause p50/p95:   %s / %s\n",
		time.Duration(p50*float64(time.Second)),
		time.Duration(p95*float64(time.Second)))
	fmt.Printf("pause max:       %s\n", time.Duration(maxPause*float64(time.Second)))
	return nil
}

func newBenchCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "selene-gcbench",
		Short:         "Stress the Selene garbage collector and report pause behavior",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return errors.Wrap(err, "parsing log level")
			}
			logrus.SetLevel(level)

			log.L.WithFields(log.Fields{
				"mode":    cfg.Mode,
				"heaps":   cfg.Heaps,
				"objects": cfg.Objects,
			}).Info("starting workload")

			reports := make([]heapReport, cfg.Heaps)
			var eg errgroup.Group
			for i := 0; i < cfg.Heaps; i++ {
				i := i
				eg.Go(func() error {
					// Each State is single-threaded; heaps run independently.
					rep, err := runHeap(i, cfg)
					if err != nil {
						return errors.Wrapf(err, "heap %d", i)
					}
					reports[i] = rep
					return nil
				})
			}
			if err := eg.Wait(); err != nil {
				return err
			}
			return report(cfg, reports)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file")
	flags.String("mode", "incremental", `collector mode ("incremental" or "generational")`)
	flags.Int("heaps", 1, "number of independent heaps to run in parallel")
	flags.Int("objects", 200000, "objects to allocate per heap")
	flags.String("budget", "", `optional allocator budget (e.g. "64MiB") to exercise emergency collection`)
	flags.String("log-level", "info", "log level")
	return cmd
}

func main() {
	if err := newBenchCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
