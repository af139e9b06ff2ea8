// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package keeper wires the credential persistence manager, the primary
// credential store and the connection supervisor into one runnable unit,
// configured from a YAML file.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/pairing"
	"github.com/aiku/wa-session-keeper/pkg/session"
	"github.com/aiku/wa-session-keeper/pkg/supervisor"
)

// Params are the collaborators the keeper does not build itself.
type Params struct {
	Transport supervisor.Transport
	// Handler receives messages, calls, challenges and state changes.
	Handler  session.Handler
	Reporter session.StateReporter
	// QROutput receives terminal QR codes when pairing.terminal is set.
	QROutput io.Writer
}

// Keeper keeps one messaging session alive.
type Keeper struct {
	Config     *Config
	Manager    *credstore.Manager
	Store      *credstore.DirStore
	Supervisor *supervisor.Supervisor

	log zerolog.Logger
}

// NewManager builds the persistence manager described by cfg. It is used on
// its own by the diagnostic commands.
func NewManager(cfg *Config, log zerolog.Logger) *credstore.Manager {
	return credstore.NewManager(cfg.Persistence.ManagerOptions(), log)
}

// New assembles a keeper. Nothing connects until Run is called.
func New(cfg *Config, log zerolog.Logger, params Params) (*Keeper, error) {
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}
	k := &Keeper{
		Config:  cfg,
		Manager: NewManager(cfg, log),
		Store:   credstore.NewDirStore(cfg.Persistence.PrimaryDir),
		log:     log.With().Str("component", "keeper").Logger(),
	}
	var renderer supervisor.ChallengeRenderer
	if cfg.Pairing.Terminal && params.QROutput != nil {
		renderer = pairing.NewTerminalRenderer(params.QROutput, cfg.Pairing.Inverse, log)
	}
	settings := cfg.Bot.Settings()
	sup, err := supervisor.New(supervisor.Options{
		Config:      cfg.Connection.SupervisorConfig(),
		Settings:    &settings,
		Transport:   params.Transport,
		Persistence: k.Manager,
		Store:       k.Store,
		Handler:     params.Handler,
		Renderer:    renderer,
		Reporter:    params.Reporter,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}
	k.Supervisor = sup
	return k, nil
}

// Run reports the state of every backup location, opens the session and
// keeps it alive until ctx is done or the session is logged out. A logout is
// returned as [supervisor.ErrLoggedOut] so the caller can exit and let its
// process supervisor restart it into a clean pairing.
func (k *Keeper) Run(ctx context.Context) error {
	valid := k.Manager.VerifyIntegrity()
	k.log.Info().
		Int("valid_backups", valid).
		Str("primary_dir", k.Store.Dir).
		Msg("Starting session keeper")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := k.Supervisor.Open(gctx); err != nil {
			return err
		}
		return k.Supervisor.Wait(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return k.Supervisor.Close()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		k.log.Info().Msg("Session keeper stopped")
		return nil
	}
	return err
}
