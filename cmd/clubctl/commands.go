package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"clubapi/internal/app"
	"clubapi/internal/attendance"
	"clubapi/internal/auth"
	"clubapi/internal/cache"
	"clubapi/internal/store"
)

func tokenCmd(c *cli) *cobra.Command {
	var (
		scope     string
		ttl       time.Duration
		studentID string
		teamID    string
		appID     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			claims := auth.Claims{Scope: auth.Scope(scope), AppID: appID}
			if !claims.Scope.Valid() {
				return fmt.Errorf("unknown scope %q", scope)
			}
			for _, id := range []struct {
				flag, value string
				dst         *string
			}{
				{"student-id", studentID, &claims.StudentID},
				{"team-id", teamID, &claims.TeamID},
			} {
				if id.value == "" {
					continue
				}
				if _, err := primitive.ObjectIDFromHex(id.value); err != nil {
					return fmt.Errorf("--%s: %w", id.flag, err)
				}
				*id.dst = id.value
			}
			if claims.Scope == auth.ScopeTeam && claims.StudentID == "" {
				return fmt.Errorf("--student-id required for team tokens")
			}

			keys, err := c.loadKeys(cmd.Context())
			if err != nil {
				return err
			}
			token, exp, err := auth.NewSigner(keys.Private, c.cfg.JWTIssuer).Issue(claims, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "token scope: student, team, admin or automation")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&studentID, "student-id", "", "student object id")
	cmd.Flags().StringVar(&teamID, "team-id", "", "team membership object id")
	cmd.Flags().StringVar(&appID, "app-id", "", "automation app id")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func reconcileCmd(c *cli) *cobra.Command {
	var year int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Make event participant sets match student records for a sort year",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if year == 0 {
				year = c.cfg.SortYear
			}
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(context.Background()) }()

			repairs, err := attendance.NewReconciler(st, c.log).ReconcileYear(cmd.Context(), year)
			out := cmd.OutOrStdout()
			for _, r := range repairs {
				fmt.Fprintf(out, "event %s student %s: added %s removed %s\n",
					r.EventID.Hex(), r.StudentID.Hex(), sets(r.Added), sets(r.Removed))
			}
			fmt.Fprintf(out, "%d pairs repaired in %d\n", len(repairs), year)
			return err
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "sort year to scan (default: SORT_YEAR)")
	return cmd
}

func indexesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create the unique indexes of the document store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.StoreBackend != "mongo" {
				return fmt.Errorf("indexes need STORE_BACKEND=mongo, have %q", c.cfg.StoreBackend)
			}
			// Opening the mongo store ensures its indexes.
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(context.Background()) }()
			fmt.Fprintf(cmd.OutOrStdout(), "indexes ensured on %s\n", c.cfg.MongoDatabase)
			return nil
		},
	}
}

func warmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Load clubs and events the way the API does at startup and report counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(context.Background()) }()

			entities := cache.New(st, c.cfg.SortYear, app.CacheConfig(c.cfg.Cache), c.log)
			err = entities.Warm(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%d clubs, %d events in %d\n",
				len(entities.Clubs()), len(entities.Events()), c.cfg.SortYear)
			return err
		},
	}
}

func sets(s store.ParticipantSets) string {
	switch {
	case s.Registered && s.Attended:
		return "registered+attended"
	case s.Registered:
		return "registered"
	case s.Attended:
		return "attended"
	}
	return "-"
}
