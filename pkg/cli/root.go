package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/config"
	"github.com/platinummonkey/repoperm/pkg/observability"
	"github.com/platinummonkey/repoperm/pkg/rbac"
	"github.com/platinummonkey/repoperm/pkg/storage"
)

// app carries the state shared by every admin command.
type app struct {
	out io.Writer

	configFile string
	driver     string
	dsn        string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *observability.Logger
}

// NewRootCommand builds the repoperm-admin command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:               "repoperm-admin",
		Short:             "Administer the repoperm permission engine",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		Long: `repoperm-admin manages permissions directly against the database.

Mutations invalidate the shared Redis resolution cache when one is configured,
so running servers observe them immediately.

  repoperm-admin bootstrap
  repoperm-admin grant repo vcs/core repository.write --user alice
  repoperm-admin resolve alice`,
		PersistentPreRunE: a.load,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "YAML config file (default $"+config.EnvConfigFile+")")
	flags.StringVar(&a.driver, "driver", "", "database driver override (postgres, sqlite3)")
	flags.StringVar(&a.dsn, "dsn", "", "database DSN override")
	flags.BoolVar(&a.jsonOutput, "json", false, "JSON output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		a.newBootstrapCmd(),
		a.newRepairCmd(),
		a.newDefaultsCmd(),
		a.newResolveCmd(),
		a.newGrantCmd(),
		a.newRevokeCmd(),
		a.newGlobalCmd(),
		a.newCreateCmd(),
		a.newDeleteCmd(),
		a.newAuditCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	path := a.configFile
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.driver != "" {
		cfg.Database.Driver = a.driver
	}
	if a.dsn != "" {
		cfg.Database.DSN = a.dsn
	}
	a.cfg = cfg

	level := observability.WarnLevel
	if a.verbose {
		level = observability.DebugLevel
	}
	a.logger = observability.NewLogger(level, cmd.ErrOrStderr())
	return nil
}

// withService opens the database, wires the service the way the server does
// and runs fn. Connections are closed when fn returns.
func (a *app) withService(ctx context.Context, fn func(*rbac.Service) error) error {
	db, err := storage.OpenDatabase(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	sink, err := audit.NewSink(a.cfg.Audit, db, a.logger.Logrus())
	if err != nil {
		return err
	}
	defer sink.Close()

	opts := []rbac.ServiceOption{
		rbac.WithLogger(a.logger),
		rbac.WithAuditLogger(sink),
	}
	if a.cfg.Cache.Type == config.CacheRedis {
		client, err := storage.OpenRedis(ctx, a.cfg.Cache)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, rbac.WithCache(rbac.NewRedisCache(client, a.cfg.Cache.RedisPrefix, a.cfg.Cache.TTL)))
	}

	return fn(rbac.NewService(db, opts...))
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}
