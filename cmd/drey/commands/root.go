package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/ledger"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath string
	flagTenant string
	projectID  string
	flagUser   string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drey",
	Short: "Drey - decision-queue coordination for agent workflows",
	Long: `Drey coordinates AI-agent workflows that block on human decisions.

Bots append commands, artifacts, and decision requests to an append-only
event log; operators work the decision queue from this CLI. Read models
are projections of the log and can always be rebuilt from it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "drey.yml", "Path to the drey config file")
	rootCmd.PersistentFlags().StringVar(&projectID, "project", "", "Project to operate on")
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", "", "Tenant override (defaults to the configured tenant)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "Identity for access checks (defaults to $DREY_USER, then the OS user)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// session bundles what every command needs: the loaded config, a connected
// ledger client, and a context carrying the caller's identity.
type session struct {
	cfg    *config.Config
	rdb    *redis.Client
	client *ledger.Client
	ctx    context.Context
	log    *zap.Logger
}

func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, printer.Error("Failed to load config", err.Error(),
			[]string{"Check the file passed via --config, or run without one to use defaults."})
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, printer.Error("Invalid Redis URL", err.Error(),
			[]string{"Fix redis.url in the config or the REDIS_URL environment variable."})
	}

	rdb := redis.NewClient(opts)
	client := ledger.NewFromClient(rdb, ledger.Producer{Service: "drey-cli", Version: version})

	return &session{
		cfg:    cfg,
		rdb:    rdb,
		client: client,
		ctx:    guard.WithIdentity(context.Background(), identity()),
		log:    newLogger(),
	}, nil
}

func (s *session) Close() {
	s.client.Close()
}

// scope resolves the (tenant, project) pair the command targets.
func (s *session) scope() (ledger.Scope, error) {
	if projectID == "" {
		return ledger.Scope{}, printer.Error("No project specified",
			"Every drey command operates on one project.",
			[]string{"Pass --project <id>."})
	}
	tenant := flagTenant
	if tenant == "" {
		tenant = s.cfg.Tenant
	}
	return ledger.Scope{TenantID: tenant, ProjectID: projectID}, nil
}

// loadConfig reads the config file; a missing file at the default path
// falls back to defaults plus environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) && configPath == "drey.yml" {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func identity() string {
	if flagUser != "" {
		return flagUser
	}
	if env := os.Getenv("DREY_USER"); env != "" {
		return env
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func newGuard(s *session) *guard.Guard {
	return guard.New(s.client)
}

// newLogger builds the CLI logger: console encoding, warn unless --verbose.
func newLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
