package main

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/events"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/kv"
	"github.com/flintttan/n8n-chat-widget/pkg/widget"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func initLogger(level string, w io.Writer, tty bool) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	if tty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
	return nil
}

// app holds the wired collaborators one command needs.
type app struct {
	cfg   *config.Config
	kv    kv.Store
	store *history.Store
	bus   *events.Bus
	ctrl  *widget.Controller
}

// openStore opens persistence only; history commands need no webhook.
func openStore(ctx context.Context, cfg *config.Config) (*app, error) {
	backend, err := kv.Open(cfg.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "open history storage")
	}
	return &app{
		cfg:   cfg,
		kv:    backend,
		store: history.Open(ctx, backend, cfg.HistoryOptions()),
	}, nil
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.bus, err = events.NewBus(cfg.Events)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ctrl, err = widget.New(widget.Options{
		Config:    cfg,
		Store:     a.store,
		Publisher: a.bus,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("closing event bus")
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			log.Warn().Err(err).Msg("closing history storage")
		}
	}
}

type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	muted     lipgloss.Style
	block     lipgloss.Style
	err       lipgloss.Style
	title     lipgloss.Style
}

func newStyles(t config.ThemeConfig) styles {
	return styles{
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(t.AccentColor)),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(t.HighlightColor)),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color(t.TextColorMuted)),
		block: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(t.AccentColor)).
			Padding(0, 1),
		err:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF1D5E")),
		title: lipgloss.NewStyle().Bold(true).Underline(true),
	}
}
