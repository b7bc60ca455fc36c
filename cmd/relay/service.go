package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/relay/internal/auth"
	"github.com/mattjoyce/relay/internal/config"
	"github.com/mattjoyce/relay/internal/dispatch"
	"github.com/mattjoyce/relay/internal/events"
	"github.com/mattjoyce/relay/internal/janitor"
	"github.com/mattjoyce/relay/internal/journal"
	"github.com/mattjoyce/relay/internal/storage"
	"github.com/mattjoyce/relay/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// service is one served relay instance and everything it owns.
type service struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	journal *journal.Journal
	hub     *events.Hub
	corr    *transport.Correlator
	in      *dispatch.Instance
	server  *transport.Server
	janitor *janitor.Janitor
}

func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *service, err error) {
	s := &service{
		cfg:    cfg,
		logger: logger,
		hub:    events.NewHub(cfg.Dispatch.EventBuffer),
		corr:   transport.NewCorrelator(nil),
	}
	defer func() {
		if err != nil {
			s.closeDB()
		}
	}()

	dcfg := dispatch.Config{
		Name:           cfg.Service.Name,
		Tag:            cfg.Service.Tag,
		MaxParents:     maxParents(cfg.Dispatch.MaxParents),
		Timeout:        cfg.Dispatch.Timeout,
		History:        cfg.Dispatch.History,
		HistoryTTL:     cfg.Dispatch.HistoryTTL,
		StrictResult:   cfg.Dispatch.StrictResult,
		StrictOverride: cfg.Dispatch.StrictOverride,
		Logger:         logger.With("component", "dispatch"),
		Events:         s.hub,
	}

	if cfg.Journal.Path != "" {
		s.db, err = storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
		}
		s.journal = journal.New(s.db)
		dcfg.Journal = s.journal
		logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	s.in, err = dispatch.New(dcfg)
	if err != nil {
		return nil, err
	}
	if err := dispatch.RegisterBuiltins(s.in); err != nil {
		return nil, err
	}
	if err := s.mountClients(); err != nil {
		return nil, err
	}

	if cfg.Listener.Enabled {
		s.server = transport.NewServer(transport.Config{
			Listen:       cfg.Listener.Listen,
			Secret:       cfg.Listener.Secret,
			Token:        cfg.Listener.Token,
			Tokens:       listenerTokens(cfg.Listener.Tokens),
			MaxBodySize:  cfg.Listener.MaxBodySize,
			ReplyTimeout: cfg.Listener.ReplyTimeout,
		}, s.in, logger.With("component", "transport"),
			transport.WithEvents(s.hub),
			transport.WithCorrelator(s.corr),
		)
	}

	jopts := []janitor.Option{
		janitor.WithHistory(s.in.History(), s.corr),
		janitor.WithEvents(s.hub),
	}
	if s.journal != nil {
		jopts = append(jopts, janitor.WithJournal(s.journal))
	}
	s.janitor = janitor.New(janitor.Config{
		Interval:         cfg.Janitor.Interval,
		JournalRetention: cfg.Journal.Retention,
	}, logger, jopts...)

	return s, nil
}

// mountClients forwards each configured pattern to its remote listener.
func (s *service) mountClients() error {
	for i, cc := range s.cfg.Clients {
		client, err := transport.NewClient(transport.ClientConfig{
			URL:     cc.URL,
			Secret:  cc.Secret,
			Token:   cc.Token,
			Async:   cc.Async,
			ReplyTo: cc.ReplyTo,
			Timeout: cc.Timeout,
		},
			transport.WithClientCorrelator(s.corr),
			transport.WithClientLogger(s.logger.With("component", "client")),
		)
		if err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		if _, err := s.in.Client(cc.Pattern, client, dispatch.WithPlugin("remote", cc.URL)); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		s.logger.Info("client mounted", "pattern", cc.Pattern, "url", cc.URL, "async", cc.Async)
	}
	return nil
}

// run serves until ctx is done or a component fails, then closes the
// instance.
func (s *service) run(ctx context.Context) error {
	if err := s.in.Ready(ctx); err != nil {
		s.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.janitor.Run(gctx) })
	if s.server != nil {
		g.Go(func() error { return s.server.Start(gctx) })
	}

	s.logger.Info("relay running", "instance", s.in.ID(), "actions", len(s.in.Patterns()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if cerr := s.shutdown(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.in.Close(ctx)
	if err != nil {
		s.logger.Error("instance close failed", "error", err)
	}
	s.closeDB()
	return err
}

func (s *service) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("journal close failed", "error", err)
	}
	s.db = nil
}

func listenerTokens(in []config.TokenConfig) []auth.Token {
	out := make([]auth.Token, 0, len(in))
	for _, t := range in {
		out = append(out, auth.Token{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

// maxParents maps the configured depth onto dispatch.Config, where zero
// means the default.
func maxParents(n *int) int {
	switch {
	case n == nil:
		return 0
	case *n == 0:
		return dispatch.NoNesting
	}
	return *n
}
