// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/keeper"
)

// app holds what the subcommands share once the config is loaded.
type app struct {
	configPath string
	noUpdate   bool

	cfg *keeper.Config
	log zerolog.Logger
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := keeper.LoadConfig(a.configPath, !a.noUpdate)
	if err != nil {
		return err
	}
	log, err := keeper.SetupLogging(&cfg.Logging)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = *log
	return nil
}

func (a *app) manager() *credstore.Manager {
	return keeper.NewManager(a.cfg, a.log)
}

func (a *app) primary() *credstore.DirStore {
	return credstore.NewDirStore(a.cfg.Persistence.PrimaryDir)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "wa-session-keeper",
		Short:         "Maintain WhatsApp bot session credential backups",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to the config file")
	root.PersistentFlags().BoolVarP(&a.noUpdate, "no-update", "n", false, "don't write missing keys back to the config file")

	root.AddCommand(
		newVerifyCmd(a),
		newBackupCmd(a),
		newRestoreCmd(a),
		newInvalidateCmd(a),
		newExampleConfigCmd(),
	)
	return root
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		Short:   "Show the state of every backup location",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reports := a.manager().Inspect()
			printReports(cmd.OutOrStdout(), reports)
			valid := 0
			for _, r := range reports {
				if r.Status == credstore.StatusValid {
					valid++
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d locations hold a valid backup\n", valid, len(reports))
			return nil
		},
	}
}

func printReports(out io.Writer, reports []credstore.LocationReport) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LOCATION\tSTATUS\tAGE\tSESSION KEYS\tERROR")
	for _, r := range reports {
		age, keys, errText := "-", "-", ""
		if r.Status == credstore.StatusValid || r.Status == credstore.StatusExpired {
			age = r.Age.Truncate(time.Second).String()
			keys = fmt.Sprint(r.SessionKeys)
		}
		if r.Err != nil {
			errText = r.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Location, r.Status, age, keys, errText)
	}
	_ = tw.Flush()
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "backup",
		Short:   "Copy the primary credentials to the backup locations",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := a.primary().Load()
			if err != nil {
				return fmt.Errorf("failed to load primary credentials: %w", err)
			} else if creds == nil {
				return fmt.Errorf("no credentials in %s", a.cfg.Persistence.PrimaryDir)
			}
			if err = a.manager().Backup(creds, true); err != nil {
				return fmt.Errorf("failed to back up credentials: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Backed up credentials with %d session keys\n", len(creds.SessionKeys))
			return nil
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "restore",
		Short:   "Write the freshest valid backup into the primary credential directory",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := a.primary()
			if !force {
				existing, err := store.Load()
				if err != nil {
					return fmt.Errorf("failed to read %s, use --force to overwrite: %w", store.Dir, err)
				} else if existing != nil {
					return fmt.Errorf("%s already holds credentials, use --force to overwrite", store.Dir)
				}
			}
			rec := a.manager().Restore()
			if rec == nil {
				return errors.New("no valid backup found")
			}
			if err := store.Save(rec.Bundle); err != nil {
				return fmt.Errorf("failed to write primary credentials: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Restored credentials from %s (captured %s)\n",
				rec.Source, rec.Bundle.CapturedAt.Time.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing primary credentials")
	return cmd
}

func newInvalidateCmd(a *app) *cobra.Command {
	var yes, primary bool
	cmd := &cobra.Command{
		Use:     "invalidate",
		Short:   "Delete every backup so the next start pairs again",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to delete backups without --yes")
			}
			var errs []error
			if err := a.manager().Invalidate(); err != nil {
				errs = append(errs, err)
			}
			if primary {
				if err := a.primary().Clear(); err != nil {
					errs = append(errs, fmt.Errorf("failed to clear primary credentials: %w", err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Backups deleted")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	cmd.Flags().BoolVar(&primary, "primary", false, "also clear the primary credential directory")
	return cmd
}

func newExampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), keeper.ExampleConfig)
			return err
		},
	}
}
