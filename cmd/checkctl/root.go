package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"adcheck/config"
	"adcheck/jobapi"
	"adcheck/obs"
)

type rootOptions struct {
	baseURL string
	noColor bool
}

func RootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "checkctl",
		Short:        "Submit ad copy for compliance checks and review the flagged phrases",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "check service URL (overrides ADCHECK_BASE_URL)")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "render highlights as [brackets] instead of color")

	root.AddCommand(
		SubmitCmd(opts),
		ShowCmd(opts),
		QueueCmd(opts),
	)
	return root
}

// clientConfig loads the client config and applies the command-line
// overrides.
func (o *rootOptions) clientConfig() (config.Client, *jobapi.Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return cfg, nil, err
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	c, err := jobapi.New(cfg.BaseURL, cfg.HTTPTimeout, jobapi.WithLogger(obs.Component(nil, "jobapi")))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, c, nil
}

func (o *rootOptions) renderer() renderer {
	if o.noColor || os.Getenv("NO_COLOR") != "" {
		return plainRenderer()
	}
	return styledRenderer()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
