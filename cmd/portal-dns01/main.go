package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"portal_dns01/internal/apperr"
	"portal_dns01/internal/auth"
	"portal_dns01/internal/challenge"
	"portal_dns01/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// globalOptions holds the flags shared by every command
type globalOptions struct {
	configPath    string
	baseURL       string
	switchContext bool
	httpTimeout   time.Duration
	verbose       bool
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(stderr, apperr.MessageOf(err))
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "portal-dns01",
		Short:         "Publish ACME DNS-01 challenge records through the hosting portal",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "account file (default $PORTAL_CONFIG or the user config dir)")
	flags.StringVar(&opts.baseURL, "base-url", "", "portal base URL (overrides $PORTAL_BASE_URL)")
	flags.BoolVar(&opts.switchContext, "switch-context", false, "select the parent domain before creating the record")
	flags.DurationVar(&opts.httpTimeout, "http-timeout", 0, "portal request timeout, 0 for none (overrides $PORTAL_HTTP_TIMEOUT)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newAddCmd(opts, stderr),
		newConfigureCmd(opts, stderr),
		newOTPCmd(opts),
	)
	return root
}

func newAddCmd(opts *globalOptions, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "add <fqdn> <value>",
		Short: "Create the TXT record <fqdn> with the challenge <value>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger := newLogger(stderr, cfg.Log.Level, opts.verbose)

			// Invalid credentials are reported by the runner, which still cleans up
			if cfg.Credentials.Validate() == nil {
				written, err := cfg.NormalizeStore()
				if err != nil {
					return err
				}
				if written {
					logger.WithField("path", cfg.StorePath).Info("account file normalized")
				}
			}

			runner := challenge.NewRunner(cfg.Credentials, challenge.Options{
				BaseURL:       cfg.Portal.BaseURL,
				SwitchContext: cfg.Portal.SwitchContext,
				HTTPClient:    &http.Client{Timeout: cfg.Portal.HTTPTimeout},
				Logger:        logger,
			})

			_, err = runner.AddRecord(cmd.Context(), args[0], args[1])
			return err
		},
	}
}

func newConfigureCmd(opts *globalOptions, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Resolve the account credentials and store them in canonical form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger := newLogger(stderr, cfg.Log.Level, opts.verbose)

			written, err := cfg.NormalizeStore()
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "account file written: %s\n", cfg.StorePath)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "account file up to date: %s\n", cfg.StorePath)
			}
			logger.WithField("otp", cfg.Credentials.HasOTP()).Debug("credentials resolved")
			return nil
		},
	}
}

func newOTPCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "otp",
		Short: "Print the current one-time code for the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if !cfg.Credentials.HasOTP() {
				return apperr.Config(config.EnvOTPSecret + " is not configured")
			}

			code, err := auth.GenerateTOTP(cfg.Credentials.OTPSecret, time.Now())
			if err != nil {
				return apperr.Config(err.Error())
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
}

// loadConfig resolves the configuration and applies command line overrides
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if apperr.KindOf(err) != "" {
			return nil, err
		}
		return nil, apperr.New(apperr.KindConfig, "config", err.Error(), err)
	}

	if opts.baseURL != "" {
		cfg.Portal.BaseURL = opts.baseURL
	}
	if cmd.Flags().Changed("switch-context") {
		cfg.Portal.SwitchContext = opts.switchContext
	}
	if cmd.Flags().Changed("http-timeout") {
		if opts.httpTimeout < 0 {
			return nil, apperr.Config("--http-timeout must not be negative")
		}
		cfg.Portal.HTTPTimeout = opts.httpTimeout
	}
	return cfg, nil
}

func newLogger(out io.Writer, level string, verbose bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	logger.SetLevel(lvl)

	return logrus.NewEntry(logger).WithField("app", "portal-dns01")
}
