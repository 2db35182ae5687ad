package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrcode/loopsim/internal/api"
	"github.com/mrcode/loopsim/internal/app"
	"github.com/mrcode/loopsim/internal/badge"
	"github.com/mrcode/loopsim/internal/bolus"
	"github.com/mrcode/loopsim/internal/config"
	"github.com/mrcode/loopsim/internal/dosing"
	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/nightscout"
	"github.com/mrcode/loopsim/internal/notifications"
	"github.com/mrcode/loopsim/internal/prediction"
	"github.com/mrcode/loopsim/internal/scheduler"
	"github.com/mrcode/loopsim/internal/simulator"
)

// backfillCount is a little over two hours of 5-minute readings
const backfillCount = 30

func newSimulateCmd() *cobra.Command {
	var (
		steps    int
		seed     uint64
		profile  string
		carbs    float64
		carbsAt  int
		extended bool
		notify   bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the loop against the simulated patient as fast as possible",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("seed") {
				cfg.Simulator.Seed = seed
			}
			if profile != "" {
				cfg.ActiveProfile = profile
			}
			cfg.Notifications.Desktop = notify

			sim := simulator.New(cfg.Simulator, time.Now().Truncate(time.Minute))
			loop, err := app.New(cfg,
				app.WithSimulator(sim),
				app.WithAlertSink(notifications.NewManager(cfg.Notifications, logger)),
				app.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			values := make([]float64, 0, steps)
			for i := range steps {
				d, err := loop.Tick(ctx)
				if err != nil {
					return err
				}
				if i == carbsAt && carbs > 0 {
					if _, log, err := loop.Bolus(ctx, carbs, extended); err != nil {
						logger.Warn("meal bolus failed", "error", err)
					} else {
						fmt.Fprint(out, log.Message)
					}
				}
				values = append(values, d.Glucose)
				printDecisions(out, d)
			}

			status := loop.Status()
			fmt.Fprintf(out, "\n%s\n", badge.Sparkline(values, 6))
			fmt.Fprintf(out, "final %.1f mmol/L %s %s  IOB %.2f U  COB %.0f g  basal %.2f U/h  reservoir %.1f U\n",
				status.Value, status.Trend, badge.FormatStatus(status.Status), status.IOB, status.COB, status.BasalRate, status.Reservoir)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 72, "number of 5-minute cycles to simulate")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "simulator random seed")
	cmd.Flags().StringVar(&profile, "profile", "", "patient profile (default: active_profile from config)")
	cmd.Flags().Float64Var(&carbs, "carbs", 0, "grams of carbohydrate eaten with a meal bolus")
	cmd.Flags().IntVar(&carbsAt, "carbs-at", 0, "cycle index of the meal")
	cmd.Flags().BoolVar(&extended, "extended", false, "deliver the meal bolus as immediate + extended")
	cmd.Flags().BoolVar(&notify, "notify", false, "send desktop notifications")
	return cmd
}

func printDecisions(w io.Writer, d dosing.Decisions) {
	var notes []string
	if d.CorrectionUnits > 0 {
		notes = append(notes, fmt.Sprintf("correction %.0fU", d.CorrectionUnits))
	}
	if d.AutoCorrectionUnits > 0 {
		notes = append(notes, fmt.Sprintf("auto %.0fU", d.AutoCorrectionUnits))
	}
	if d.CarbSuggestion {
		notes = append(notes, "eat carbs")
	}
	if d.Basal.Action != dosing.BasalUnchanged {
		notes = append(notes, fmt.Sprintf("basal %s %.2f->%.2f", d.Basal.Action, d.Basal.From, d.Basal.To))
	}
	for _, err := range d.Errors {
		notes = append(notes, "error: "+err.Error())
	}
	fmt.Fprintf(w, "%s  %5.1f %s  pred %5.1f  %s\n",
		d.At.Format("15:04"), d.Glucose, models.TrendArrow(d.Direction), d.Predicted30, strings.Join(notes, ", "))
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the loop in real time, one cycle per interval",
		Args:  cobra.NoArgs,
		RunE:  runLoop,
	}
}

func runLoop(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithAlertSink(notifications.NewManager(cfg.Notifications, logger)),
	}

	var client *nightscout.Client
	if cfg.Nightscout.URL != "" {
		ns := cfg.Nightscout
		client = nightscout.NewClient(ns.URL, ns.APISecret, ns.APIToken, ns.UseToken)
		if ns.Upload {
			opts = append(opts, app.WithUploader(nightscout.NewUploader(client, logger)))
		}
	}

	var source *nightscout.Source
	switch cfg.Loop.Source {
	case config.SourceNightscout:
		source = nightscout.NewSource(client, cfg.Nightscout.MaxAge)
		opts = append(opts, app.WithSensor(source))
	default:
		opts = append(opts, app.WithSimulator(simulator.New(cfg.Simulator, time.Now())))
	}

	loop, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}

	if source != nil {
		readings, err := source.Backfill(ctx, backfillCount)
		if err != nil {
			logger.Warn("history backfill failed", "error", err)
		} else {
			loop.Backfill(readings)
			logger.Info("history backfilled", "readings", len(readings))
		}
	}

	sched := scheduler.New(ctx, logger)
	tick := func(ctx context.Context) {
		if _, err := loop.Tick(ctx); err != nil {
			logger.Error("cycle failed", "error", err)
		}
	}
	if err := sched.Every(cfg.Loop.Interval, "loop", tick); err != nil {
		return err
	}
	tick(ctx)
	sched.Start()
	defer sched.Stop()

	if !cfg.API.Enabled {
		<-ctx.Done()
		return nil
	}
	handler := api.NewHandler(loop, logger)
	if err := api.Serve(ctx, cfg.API.Addr, handler.Router(), logger); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func newBolusCmd() *cobra.Command {
	var (
		carbs    float64
		bg       float64
		iob      float64
		profile  string
		extended bool
	)

	cmd := &cobra.Command{
		Use:   "bolus",
		Short: "Calculate a bolus for a meal and the current glucose",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolveProfile(profile)
			if err != nil {
				return err
			}

			req := bolus.NewRequest(carbs, bg, p.CarbRatio, p.CorrectionFactor, p.TargetBG, iob)
			result, err := bolus.Calculate(req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Profile: %s\n", p.Name)
			fmt.Fprint(out, result.Summary(req.ExtendedHours))
			log := bolus.NewDelivery(time.Now).Deliver(result, extended)
			fmt.Fprint(out, log.Message)
			return nil
		},
	}

	cmd.Flags().Float64Var(&carbs, "carbs", 0, "grams of carbohydrate")
	cmd.Flags().Float64Var(&bg, "bg", 0, "current glucose in mmol/L")
	cmd.Flags().Float64Var(&iob, "iob", 0, "insulin on board in units")
	cmd.Flags().StringVar(&profile, "profile", "", "patient profile (default: active_profile from config)")
	cmd.Flags().BoolVar(&extended, "extended", false, "deliver as immediate + extended")
	_ = cmd.MarkFlagRequired("bg")
	return cmd
}

func newProjectCmd() *cobra.Command {
	var (
		bg      float64
		iob     float64
		cob     float64
		basal   float64
		horizon int
	)

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Print the projected glucose trajectory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if horizon < 0 {
				return errors.New("horizon must not be negative")
			}
			if !cmd.Flags().Changed("basal") {
				p, err := cfg.Active()
				if err != nil {
					return err
				}
				basal = p.BasalRate
			}

			predictor := prediction.NewPredictor(cfg.Predictor)
			out := cmd.OutOrStdout()
			for pt := range predictor.Project(bg, iob, cob, basal, horizon) {
				fmt.Fprintf(out, "+%3d min  %6.2f mmol/L\n", pt.OffsetMinutes, pt.Glucose)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&bg, "bg", 0, "current glucose in mmol/L")
	cmd.Flags().Float64Var(&iob, "iob", 0, "insulin on board in units")
	cmd.Flags().Float64Var(&cob, "cob", 0, "carbs on board in grams")
	cmd.Flags().Float64Var(&basal, "basal", 0, "basal rate in U/h (default: active profile)")
	cmd.Flags().IntVar(&horizon, "horizon", 30, "minutes to project")
	_ = cmd.MarkFlagRequired("bg")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}
			if err := config.Default().Save(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), configPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath)
		},
	})
	return cmd
}

func newNightscoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nightscout",
		Short: "Nightscout connection helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Check the Nightscout connection and print the current reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns := cfg.Nightscout
			if ns.URL == "" {
				return errors.New("nightscout.url is not configured")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client := nightscout.NewClient(ns.URL, ns.APISecret, ns.APIToken, ns.UseToken)
			status, err := client.GetStatus(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%s)\n", status.Name, status.Version, status.Status)

			r, err := nightscout.NewSource(client, ns.MaxAge).Read(ctx)
			if err != nil {
				return err
			}
			age := int(time.Since(r.Time).Minutes())
			fmt.Fprintf(out, "%.1f mmol/L (%s), %s\n", r.Value, badge.FormatStatus(cfg.Alerts.Status(r.Value)), ago(age))
			return nil
		},
	})
	return cmd
}

func ago(minutes int) string {
	d := badge.FormatDuration(minutes)
	if minutes < 1 {
		return d
	}
	return d + " ago"
}

func newNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Send a test desktop notification",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return notifications.NewManager(cfg.Notifications, logger).SendTestNotification()
		},
	}
}

func resolveProfile(name string) (models.Profile, error) {
	if name == "" {
		return cfg.Active()
	}
	return cfg.Profile(name)
}
