package main

import (
	"os"

	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath       string
	logLevel         string
	webhookURL       string
	disableStreaming bool
	storageBackend   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "n8nchat",
		Short:         "n8nchat talks to an n8n chat webhook from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			// reinitialize the logger now that --log-level and the config are known
			if err := initLogger(c.LogLevel, cmd.ErrOrStderr(), isatty.IsTerminal(os.Stderr.Fd())); err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.webhookURL, "webhook-url", "", "n8n chat webhook URL")
	pf.BoolVar(&flags.disableStreaming, "disable-streaming", false, "read replies as one buffered document")
	pf.StringVar(&flags.storageBackend, "storage", "", "history backend (memory, file, bolt, sqlite, redis)")

	get := func() *config.Config { return cfg }
	root.AddCommand(
		newSendCommand(get),
		newChatCommand(get),
		newHistoryCommand(get),
		newFormatCommand(),
		newServeCommand(get),
	)
	return root
}

// loadConfig reads the explicit --config file, or the default path when it
// exists, then applies command-line overrides.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			path = config.DefaultPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if f.Changed("webhook-url") {
		cfg.WebhookURL = flags.webhookURL
	}
	if f.Changed("disable-streaming") {
		cfg.DisableStreaming = flags.disableStreaming
	}
	if f.Changed("storage") {
		cfg.Storage.Backend = flags.storageBackend
	}
	return cfg, nil
}

func main() {
	err := newRootCommand().Execute()
	cobra.CheckErr(err)
}
