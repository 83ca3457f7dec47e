package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix prefixes environment variables that stand in for flags:
// CLOUDSYNC_FORMAT, CLOUDSYNC_LOG_FILE, CLOUDSYNC_DB and so on.
const EnvPrefix = "CLOUDSYNC"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	LogFile string

	v         *viper.Viper
	logger    *slog.Logger
	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cloudsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cloudsync",
		Short: "cloudsync - offline-first record sync",
		Long: `Synchronize a local record store with a remote database.

Local edits are pushed in batches, remote changes are pulled by type, and
transient failures are retried with backoff. Use the scenario command to
exercise the engine against an in-memory remote.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := opts.env()
			if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			opts.Verbose = v.GetBool("verbose")
			opts.Format = v.GetString("format")
			opts.LogFile = v.GetString("log-file")

			if !isValidFormat(opts.Format) {
				msg := fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", msg)
				return NewExitError(ExitCommandError, msg)
			}
			opts.setupLogging(cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Close()
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")

	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))

	return cmd
}

func (o *RootOptions) env() *viper.Viper {
	if o.v == nil {
		o.v = viper.New()
		o.v.SetEnvPrefix(EnvPrefix)
		o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		o.v.AutomaticEnv()
	}
	return o.v
}

// lookup resolves a command flag. An unset flag falls back to its
// CLOUDSYNC_ environment variable, then to the flag default.
func (o *RootOptions) lookup(cmd *cobra.Command, name string) string {
	v := o.env()
	if f := cmd.Flags().Lookup(name); f != nil {
		_ = v.BindPFlag(name, f)
	}
	return v.GetString(name)
}

// setupLogging routes structured logs to the log file when one is set,
// otherwise to w. Verbose lowers the level to debug.
func (o *RootOptions) setupLogging(w io.Writer) {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	if o.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   o.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		o.logCloser = lj
		o.logger = slog.New(slog.NewJSONHandler(lj, hopts))
		return
	}
	o.logger = slog.New(slog.NewTextHandler(w, hopts))
}

// Logger returns the configured logger, or one that discards everything
// when the command runs outside the root command.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// Close releases the log file.
func (o *RootOptions) Close() error {
	if o.logCloser == nil {
		return nil
	}
	err := o.logCloser.Close()
	o.logCloser = nil
	return err
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
