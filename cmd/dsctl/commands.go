package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sotplane/datasync/internal/config"
	"github.com/sotplane/datasync/internal/progress"
	"github.com/sotplane/datasync/internal/service"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer env.close()

			env.log.Infof("database schema is up to date")
			return nil
		},
	}
}

func newLoadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Store secrets, credential groups, inventory and repositories of the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer env.close()

			bar := progress.New(opts.progress, "loading configuration")
			if err := env.db.LoadConfig(cmd.Context(), bar, env.root); err != nil {
				return err
			}
			bar.Finish()

			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d repositories\n", len(env.root.Repositories))
			return nil
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var load bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep all repositories synchronized and serve health, metrics and results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			env, err := opts.open(ctx, true)
			if err != nil {
				return err
			}
			defer env.close()

			if load {
				if err := env.db.LoadConfig(ctx, nil, env.root); err != nil {
					return err
				}
			}

			engine, err := env.engine(ctx)
			if err != nil {
				return err
			}

			return service.New().
				WithConfig(env.root.Service).
				WithDatabase(env.db).
				WithEngine(engine).
				WithLogger(env.log).
				Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&load, "load", true, "load the configuration into the database before starting")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME...",
		Short: "Delete repositories together with every artifact they provide",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := opts.open(ctx, true)
			if err != nil {
				return err
			}
			defer env.close()

			engine, err := env.engine(ctx)
			if err != nil {
				return err
			}

			for _, name := range args {
				if err := engine.Delete(ctx, name); err != nil {
					return fmt.Errorf("delete %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return nil
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var schema bool

	cmd := &cobra.Command{
		Use:   "validate [FILE...]",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema {
				bs, err := config.ReflectSchema()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(bs, '\n'))
				return err
			}

			files := append(args, opts.configFiles...)
			if len(files) == 0 {
				return fmt.Errorf("no configuration files given")
			}

			for _, f := range files {
				if err := validate(f); err != nil {
					return err
				}
			}

			// Files can be valid on their own and still conflict once merged.
			bs, err := config.Merge(files, true)
			if err != nil {
				return err
			}
			if _, err := config.Parse(bs); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&schema, "schema", false, "print the configuration JSON schema instead")
	return cmd
}

// validate checks every file of a directory on its own against the schema.
func validate(path string) error {
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		bs, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := config.Validate(bs); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		return nil
	})
}
