package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/deicod/odm/internal/odm/driver"
	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/migrate"
	"github.com/deicod/odm/internal/odm/pg"
	"github.com/deicod/odm/internal/odm/runtime"
	"github.com/deicod/odm/internal/odm/sqlite"
)

var (
	connectPostgres = func(ctx context.Context, url string, pool pg.PoolConfig) (*pg.DB, error) {
		return pg.Connect(ctx, url, pg.WithPoolConfig(pool))
	}
	openSQLite = sqlite.Open
)

func newSchemaCmd() *cobra.Command {
	var (
		envName string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the tables backing every mapped collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProjectConfig(".")
			if err != nil {
				return wrapError("schema: read project config", err, "Fix the syntax of odm.yaml.", 1)
			}
			target, err := cfg.resolveDatabase(envName)
			if err != nil {
				return wrapError("schema: "+err.Error(), nil, "Set database.driver to postgres or sqlite.", 2)
			}
			dir := cfg.mappingDir(".")
			d, err := driver.OpenYAMLDir(dir)
			if err != nil {
				return wrapError(fmt.Sprintf("schema: read mappings in %s", dir), err, "Set mapping.dir in odm.yaml to the directory holding *.odm.yaml files.", 1)
			}
			ctx := cmd.Context()
			collections, err := mapping.NewFactory(d).Collections(ctx)
			if err != nil {
				return mappingError("schema", err, "Run `odm inspect` to locate the broken mapping.")
			}
			out := cmd.OutOrStdout()
			if len(collections) == 0 {
				fmt.Fprintln(out, "schema: no mapped collections")
				return nil
			}
			logVerbose(cmd, "profile %s uses %s with %d collection(s)", target.Profile, target.Driver, len(collections))

			if dryRun {
				return printPlannedSchema(out, target.Driver, collections)
			}
			if target.URL == "" {
				return CommandError{
					Message:    "schema: database.url is not configured in odm.yaml",
					Suggestion: "Set database.url in odm.yaml, configure database.environments, or export ODM_DATABASE_URL before running the command.",
					ExitCode:   2,
				}
			}
			switch target.Driver {
			case driverSQLite:
				return ensureSQLite(ctx, out, sqlitePath(target.URL), collections)
			default:
				return ensurePostgres(ctx, out, target.URL, cfg.Database.Pool.toPG(), collections)
			}
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "Target environment profile (defaults to ODM_ENV, then dev)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the DDL without connecting to the database")
	return cmd
}

func printPlannedSchema(out io.Writer, driverName string, collections []string) error {
	var statements []string
	if driverName == driverSQLite {
		for _, c := range collections {
			stmt, err := runtime.BuildCreateCollectionSQL(runtime.SQLite{}, c)
			if err != nil {
				return collectionFailure(err)
			}
			statements = append(statements, stmt)
		}
	} else {
		res, err := migrate.EnsureCollections(context.Background(), nil, collections, migrate.WithDryRun(true))
		if err != nil {
			return collectionFailure(err)
		}
		statements = res.Statements
	}
	for _, stmt := range statements {
		fmt.Fprintf(out, "%s;\n", stmt)
	}
	return nil
}

func ensurePostgres(ctx context.Context, out io.Writer, url string, pool pg.PoolConfig, collections []string) error {
	db, err := connectPostgres(ctx, url, pool)
	if err != nil {
		return wrapError("schema: connect database", err, "Verify the database is reachable and credentials are correct.", 1)
	}
	defer db.Close()
	res, err := migrate.EnsureCollections(ctx, db.Pool, collections)
	if err != nil {
		return collectionFailure(err)
	}
	for _, c := range res.Created {
		fmt.Fprintf(out, "created %s\n", c)
	}
	for _, c := range res.Existing {
		fmt.Fprintf(out, "exists  %s\n", c)
	}
	for _, c := range res.Unmapped {
		fmt.Fprintf(out, "unmapped %s (table kept)\n", c)
	}
	return nil
}

func ensureSQLite(ctx context.Context, out io.Writer, path string, collections []string) error {
	store, err := openSQLite(ctx, path)
	if err != nil {
		return wrapError("schema: open database", err, "Check that the directory of the SQLite file exists and is writable.", 1)
	}
	defer store.Close()
	if err := store.EnsureCollections(ctx, collections...); err != nil {
		return collectionFailure(err)
	}
	for _, c := range collections {
		fmt.Fprintf(out, "ensured %s\n", c)
	}
	return nil
}

func collectionFailure(err error) error {
	var cerr *migrate.CollectionError
	if errors.As(err, &cerr) {
		return wrapError(fmt.Sprintf("schema: collection %s could not be created", cerr.Collection), err,
			"Collection names must be valid SQL identifiers; rename the collection in its mapping.", 1)
	}
	return wrapError("schema: create collections", err, "Review the database error and re-run `odm schema`.", 1)
}
