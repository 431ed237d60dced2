package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"copyreg/internal/metrics"
	"copyreg/internal/util"
	"copyreg/pkg/domain"
)

func initDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or migrate the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFromContext(cmd.Context())
			util.InitLogger(cfg.LogLevel)
			db, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			if err := db.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database schema is up to date")
			return nil
		},
	}
}

func createAdminCommand() *cobra.Command {
	var (
		email    string
		password string
		super    bool
	)
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}
			cfg := configFromContext(cmd.Context())
			logger := util.InitLogger(cfg.LogLevel)
			rt, err := build(cfg, logger, &metrics.Metrics{})
			if err != nil {
				return err
			}
			defer rt.Close()

			role := domain.RoleAdmin
			if super {
				role = domain.RoleSuperAdmin
			}
			user, err := rt.app.CreateUser(cmd.Context(), email, password, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", user.Role, user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&super, "super", false, "grant super_admin instead of admin")
	return cmd
}

func seedCommand() *cobra.Command {
	var (
		password     string
		applications int
		seed         uint64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with demo accounts and applications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFromContext(cmd.Context())
			logger := util.InitLogger(cfg.LogLevel)
			rt, err := build(cfg, logger, &metrics.Metrics{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			rnd := rand.New(rand.NewPCG(seed, seed>>1))
			report, err := rt.app.Seed(cmd.Context(), rnd, password, applications)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "users created: %d, existing: %d, applications created: %d\n",
				report.UsersCreated, report.UsersExisting, report.ApplicationsCreated)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "password123", "password shared by every seeded account")
	cmd.Flags().IntVar(&applications, "applications", 50, "number of applications to create")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	return cmd
}
