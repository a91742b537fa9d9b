// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ahmmada/edusync/localstore"
	"github.com/Ahmmada/edusync/remote"
	"github.com/Ahmmada/edusync/syncer"
)

func openStore(ctx context.Context) (*localstore.Store, error) {
	return localstore.Open(ctx, viper.GetString("db"), newLogger())
}

func schemaByName(name string) (*localstore.EntitySchema, error) {
	switch name {
	case "offices", "office":
		return localstore.Offices, nil
	case "levels", "level":
		return localstore.Levels, nil
	case "students", "student":
		return localstore.Students, nil
	}
	return nil, fmt.Errorf("unknown entity %q (want office, level or student)", name)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <entity>",
		Short: "List live local rows for one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaByName(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Repository(schema).List(cmd.Context())
			if err != nil {
				return err
			}
			pending := color.New(color.FgYellow).SprintFunc()
			synced := color.New(color.FgGreen).SprintFunc()
			for _, row := range rows {
				state := synced("synced")
				if !row.IsSynced {
					state = pending(fmt.Sprintf("pending %s", row.PendingOp))
				}
				line := fmt.Sprintf("%4d  %-30s", row.LocalID, row.Field("name"))
				for _, ref := range schema.References {
					if name, ok := row.RefNames[ref.NameAlias]; ok {
						line += fmt.Sprintf("  %s", name)
					}
				}
				fmt.Printf("%s  [%s]\n", line, state)
			}
			fmt.Printf("%d %s\n", len(rows), schema.Table)
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	var name, birthDate, phone, address string
	var officeID, levelID int64

	cmd := &cobra.Command{
		Use:   "create <entity>",
		Short: "Create a local row (works offline, queued for sync)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaByName(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			fields := map[string]any{"name": name}
			if schema == localstore.Students {
				fields["birth_date"] = birthDate
				fields["phone"] = phone
				fields["address"] = address
				fields["office_id"] = officeID
				fields["level_id"] = levelID
			}
			res, err := store.Repository(schema).Create(cmd.Context(), fields)
			if err != nil {
				return err
			}
			fmt.Printf("created %s %d (%s)\n", schema.Table, res.LocalID, res.UUID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name (required)")
	cmd.Flags().StringVar(&birthDate, "birth-date", "", "student birth date")
	cmd.Flags().StringVar(&phone, "phone", "", "student phone")
	cmd.Flags().StringVar(&address, "address", "", "student address")
	cmd.Flags().Int64Var(&officeID, "office", 0, "remote id of the student's office")
	cmd.Flags().Int64Var(&levelID, "level", 0, "remote id of the student's level")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var name, birthDate, phone, address string
	var officeID, levelID int64

	cmd := &cobra.Command{
		Use:   "update <entity> <local-id>",
		Short: "Update a local row (works offline, queued for sync)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaByName(args[0])
			if err != nil {
				return err
			}
			localID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid local id %q", args[1])
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			fields := map[string]any{"name": name}
			if schema == localstore.Students {
				fields["birth_date"] = birthDate
				fields["phone"] = phone
				fields["address"] = address
				fields["office_id"] = officeID
				fields["level_id"] = levelID
			}
			if err := store.Repository(schema).Update(cmd.Context(), localID, fields); err != nil {
				return err
			}
			fmt.Printf("updated %s %d\n", schema.Table, localID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name (required)")
	cmd.Flags().StringVar(&birthDate, "birth-date", "", "student birth date")
	cmd.Flags().StringVar(&phone, "phone", "", "student phone")
	cmd.Flags().StringVar(&address, "address", "", "student address")
	cmd.Flags().Int64Var(&officeID, "office", 0, "remote id of the student's office")
	cmd.Flags().Int64Var(&levelID, "level", 0, "remote id of the student's level")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <local-id>",
		Short: "Soft-delete a local row (deletion propagates on next sync)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := schemaByName(args[0])
			if err != nil {
				return err
			}
			localID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid local id %q", args[1])
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Repository(schema).SoftDelete(cmd.Context(), localID); err != nil {
				return err
			}
			fmt.Printf("deleted %s %d\n", schema.Table, localID)
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var discardConflicts bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the mutation queue against the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := viper.GetString("remote_dsn")
			if dsn == "" {
				return fmt.Errorf("no remote DSN configured (--remote-dsn or EDUSYNC_REMOTE_DSN)")
			}
			logger := newLogger()
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rs, err := remote.Connect(cmd.Context(), dsn, logger)
			if err != nil {
				return err
			}
			defer rs.Close()

			var resolver syncer.ConflictResolver
			if discardConflicts {
				resolver = discardResolver{}
			}
			rec := syncer.NewReconciler(store, rs, nil, resolver, syncer.DefaultConfig(), logger)

			start := time.Now()
			if err := rec.ReconcileAll(cmd.Context()); err != nil {
				color.Yellow("sync finished with errors: %v", err)
				return nil
			}
			color.Green("sync completed in %s", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&discardConflicts, "discard-conflicts", false,
		"discard local duplicates when the remote rejects them (default: leave queued)")
	return cmd
}

// discardResolver applies the "discard local duplicate" decision without
// prompting, for scripted use.
type discardResolver struct{}

func (discardResolver) ResolveDuplicate(context.Context, string, localstore.QueueEntry, error) (syncer.Resolution, error) {
	return syncer.DiscardLocal, nil
}

// newWatchCmd runs the engine in the foreground: connectivity is probed
// periodically and reconciliation fires on every offline-to-online
// transition, the way the embedded app drives it.
func newWatchCmd() *cobra.Command {
	var probeURL string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing while connectivity allows (Ctrl-C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := viper.GetString("remote_dsn")
			if dsn == "" {
				return fmt.Errorf("no remote DSN configured (--remote-dsn or EDUSYNC_REMOTE_DSN)")
			}
			logger := newLogger()
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rs, err := remote.Connect(cmd.Context(), dsn, logger)
			if err != nil {
				return err
			}
			defer rs.Close()

			monitor := syncer.NewProbeMonitor(probeURL, interval, logger)
			defer monitor.Close()
			monitor.Start(cmd.Context())

			rec := syncer.NewReconciler(store, rs, monitor, nil, syncer.DefaultConfig(), logger)
			engine := syncer.NewEngine(rec, monitor, nil, logger)
			engine.Start(cmd.Context())
			defer engine.Close()

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&probeURL, "probe-url", "https://www.google.com/generate_204",
		"endpoint probed to detect connectivity")
	cmd.Flags().DurationVar(&interval, "probe-interval", 30*time.Second, "probe interval")
	return cmd
}

// newLoginCmd records the signed-in user locally so the app can authenticate
// offline, and prints a session token for the sync gate.
func newLoginCmd() *cobra.Command {
	var email, fullName, role string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Record the local user profile and issue a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("secret")
			if secret == "" {
				return fmt.Errorf("no signing secret configured (EDUSYNC_SECRET)")
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.UpsertProfile(cmd.Context(), localstore.Profile{
				RemoteID: email,
				Email:    email,
				Role:     role,
				FullName: fullName,
			}); err != nil {
				return err
			}
			token, err := remote.NewTokenSource(secret).Issue(email, viper.GetString("db"), 24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email (required)")
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "user", "role stored in the local profile")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outstanding queue entries per entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			for _, schema := range localstore.Entities() {
				n, err := store.QueueLen(cmd.Context(), schema.Table)
				if err != nil {
					return err
				}
				if n == 0 {
					color.Green("%-10s queue empty", schema.Table)
				} else {
					color.Yellow("%-10s %d pending", schema.Table, n)
				}
			}
			return nil
		},
	}
}
