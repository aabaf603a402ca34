package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/collab"
	"github.com/tonimelisma/sailsync/internal/config"
	"github.com/tonimelisma/sailsync/internal/provider"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/sync"
)

// app is the wired set of components one command works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	client   *remote.Client
	engine   *sync.Engine
	pipeline *changes.Pipeline
	sessions *collab.Manager
}

// openApp opens the state store and wires the remote gateway, sync engine,
// change pipeline, and session manager. The caller closes the app.
func openApp(ctx context.Context, cc *CLIContext) (*app, error) {
	cfg := cc.Cfg

	if err := requireWorkspace(cfg); err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, cfg.StatePath(), cc.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: cc.Logger, store: store}

	a.client = remote.NewClient(cfg.BackendURL, newHTTPClient(&cfg.NetworkConfig), remote.StaticToken(cfg.BackendToken),
		cc.Logger, remote.Options{UserAgent: cfg.UserAgent, MaxRetries: requestRetries(cfg.RequestRetries)})

	a.pipeline = changes.NewPipeline(store, remote.NewAuthority(a.client), changes.Policy{
		TrustSyncResolution: cfg.TrustSyncResolution,
		DefaultReviewer:     cfg.DefaultReviewer,
		AutoApplyOnApprove:  cfg.AutoApplyOnApprove,
	}, cc.Logger)

	base, maxBackoff := cfg.Backoff()

	a.engine, err = sync.NewEngine(&sync.EngineConfig{
		Store:       store,
		Remote:      a.client,
		Root:        cfg.WorkspaceDir,
		Strategy:    sync.Strategy(cfg.ConflictStrategy),
		Workers:     cfg.SyncWorkers,
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: base,
		MaxBackoff:  maxBackoff,
		OnResolved:  a.auditResolution,
		Logger:      cc.Logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	prov, err := provider.New(provider.Config{
		Provider:   cfg.Provider,
		Model:      cfg.ProviderModel,
		APIKeyEnv:  cfg.ProviderAPIKeyEnv,
		MaxRetries: cfg.ProviderMaxRetries,
		MaxTokens:  cfg.ProviderMaxTokens,
	}, cc.Logger)
	if err != nil {
		// Sessions still work without suggestions.
		cc.Logger.Warn("suggestion provider unavailable", slog.String("error", err.Error()))
		prov = nil
	}

	ttl, idle, reap := cfg.Lease()

	a.sessions = collab.NewManager(store, a.pipeline, prov, a.client, collab.Config{
		LeaseTTL:        ttl,
		IdleTimeout:     idle,
		ReapInterval:    reap,
		ProviderTimeout: cfg.Timeout(),
	}, cc.Logger)

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// auditResolution records a conflict resolution that changed the remote as
// an applied change set, so it can be reviewed and rolled back.
func (a *app) auditResolution(ctx context.Context, r sync.Resolution) {
	if r.Kind == sync.ResolvedUseRemote {
		return
	}

	cs, err := a.pipeline.RecordApplied(ctx, changes.CreateRequest{
		EditionID: r.EditionID,
		Source:    state.ChangeSyncResolution,
		Reason:    fmt.Sprintf("conflict on %s resolved with %s", r.NodeID, r.Kind),
		CreatedBy: "sailsync",
		Items: []changes.ItemInput{{
			Table:     "nodes",
			ID:        r.NodeID,
			Column:    "content",
			Operation: state.OpUpdate,
			OldValue:  jsonText(r.OldContent),
			NewValue:  jsonText(r.NewContent),
		}},
	})
	if err != nil {
		a.logger.Warn("recording resolution failed",
			slog.String("node_id", r.NodeID),
			slog.String("error", err.Error()),
		)

		return
	}

	a.logger.Info("resolution recorded",
		slog.String("node_id", r.NodeID),
		slog.String("change_set_id", cs.ID),
	)
}

// newHTTPClient builds the backend HTTP client. The connect timeout bounds
// dialing; the data timeout bounds waiting for response headers. No overall
// client timeout is set because the events feed is long-lived.
func newHTTPClient(n *config.NetworkConfig) *http.Client {
	connect, data := n.Timeouts()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = data

	return &http.Client{Transport: transport}
}

// requestRetries maps request_retries onto remote.Options, where zero means
// the default and negative disables retries.
func requestRetries(n int) int {
	if n == 0 {
		return -1
	}

	return n
}

// jsonText encodes node content as a JSON string value.
func jsonText(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
