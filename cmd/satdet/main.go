// Prepares the xView dataset for YOLO training, drives the trainer and serves an inference
// dashboard for the trained model.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sensorable/satdet/internal/conf"
	"github.com/sensorable/satdet/internal/errors"
	"github.com/sensorable/satdet/internal/logging"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand(newApp()).ExecuteContext(ctx); err != nil {
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			slog.Debug("Command failed", "error", ee.Detailed())
		}
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries the state shared by all subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	settings   *conf.Settings
	logger     *slog.Logger
}

func newApp() *app {
	return &app{v: conf.NewViper()}
}

func rootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "satdet",
		Short:         "xView satellite object detection with YOLO",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "",
		"Config `file` (default: satdet.yaml in ., ~/.config/satdet or /etc/satdet)")
	pf.String("log-level", a.v.GetString("log.level"), "Log level: debug, info, warn, error")
	pf.String("log-format", a.v.GetString("log.format"), "Log format: text, json")
	pf.String("classes", a.v.GetString("classes"),
		"Classes YAML `file` overriding the built-in taxonomy")

	root.AddCommand(
		convertCommand(a),
		splitCommand(a),
		datasetConfigCommand(a),
		prepareCommand(a),
		augmentCommand(a),
		tfrecordCommand(a),
		trainCommand(a),
		valCommand(a),
		exportCommand(a),
		progressCommand(a),
		serveCommand(a),
		versionCommand(),
	)
	return root
}

// persistentBindings maps the root flags to their settings keys.
var persistentBindings = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"classes":    "classes",
}

// runE binds the command's flags to their settings keys, loads the settings, sets up logging and
// then calls fn. Flags are bound only for the command being run, as several commands share a key.
func (a *app) runE(bindings map[string]string,
	fn func(ctx context.Context, args []string) error) func(*cobra.Command, []string) error {

	return func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(a.v, cmd.Flags(), persistentBindings); err != nil {
			return err
		}
		if err := bindFlags(a.v, cmd.Flags(), bindings); err != nil {
			return err
		}

		settings, err := conf.Load(a.v, a.configFile)
		if err != nil {
			return err
		}
		logger, err := logging.Setup(os.Stderr, settings.Log.Level, settings.Log.Format)
		if err != nil {
			return err
		}
		a.settings = settings
		a.logger = logger
		if used := a.v.ConfigFileUsed(); used != "" {
			logger.Debug("Loaded config", "file", used)
		}

		return fn(cmd.Context(), args)
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for name, key := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("error binding flag %q: %w", name, err)
		}
	}
	return nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "satdet %s (commit %s, built %s)\n", version,
				commit, date)
		},
	}
}
