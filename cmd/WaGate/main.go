package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/WaGate/internal/api"
	"github.com/BTreeMap/WaGate/internal/flow"
	"github.com/BTreeMap/WaGate/internal/flowcrypto"
	"github.com/BTreeMap/WaGate/internal/lockfile"
	"github.com/BTreeMap/WaGate/internal/messaging"
	"github.com/BTreeMap/WaGate/internal/policy"
	"github.com/BTreeMap/WaGate/internal/scheduler"
	"github.com/BTreeMap/WaGate/internal/store"
	"github.com/BTreeMap/WaGate/internal/util"
	"github.com/BTreeMap/WaGate/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WaGate state data
	DefaultStateDir = "/var/lib/wagate"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "wagate.db"
	// DefaultFlowInitScreen is the first screen served to a Flow INIT request
	DefaultFlowInitScreen = "WELCOME"
	// verifyTokenFileName holds the generated webhook verify token
	verifyTokenFileName = "verify_token"
)

// logLevel is shared by the default handler so -log-level can change it after startup.
var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := setLogLevel(flags.LogLevel); err != nil {
		slog.Error("Invalid log level", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WaGate with configured modules")
	if err := run(ctx, config, flags); err != nil {
		slog.Error("WaGate failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WaGate exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	APIAddr           string
	AccessToken       string
	PhoneNumberID     string
	AppSecret         string
	VerifyToken       string
	APIVersion        string
	GraphURL          string
	FlowKey           string
	FlowKeyFile       string
	FlowKeyPassphrase string
	FlowInitScreen    string
	PolicyFile        string
	InMemory          bool
	MaintenanceCron   string
	BusinessNumber    string
}

// Flags holds command line flag values
type Flags struct {
	StateDir        string
	DSN             string
	APIAddr         string
	PolicyFile      string
	MaintenanceCron string
	InMemory        bool
	LogLevel        string
	QR              bool
	QROutput        string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func setLogLevel(name string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	logLevel.Set(level)
	return nil
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          util.GetEnv("WAGATE_STATE_DIR", DefaultStateDir),
		DatabaseURL:       util.GetEnv("DATABASE_URL", ""),
		APIAddr:           util.GetEnv("API_ADDR", api.DefaultAddr),
		AccessToken:       util.GetEnv("WHATSAPP_ACCESS_TOKEN", ""),
		PhoneNumberID:     util.GetEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		AppSecret:         util.GetEnv("WHATSAPP_APP_SECRET", ""),
		VerifyToken:       util.GetEnv("WHATSAPP_VERIFY_TOKEN", ""),
		APIVersion:        util.GetEnv("WHATSAPP_API_VERSION", ""),
		GraphURL:          util.GetEnv("WHATSAPP_GRAPH_URL", ""),
		FlowKey:           os.Getenv("FLOW_PRIVATE_KEY"),
		FlowKeyFile:       util.GetEnv("FLOW_PRIVATE_KEY_FILE", ""),
		FlowKeyPassphrase: os.Getenv("FLOW_PRIVATE_KEY_PASSPHRASE"),
		FlowInitScreen:    util.GetEnv("FLOW_INIT_SCREEN", DefaultFlowInitScreen),
		PolicyFile:        util.GetEnv("POLICY_FILE", ""),
		InMemory:          util.ParseBoolEnv("WAGATE_IN_MEMORY", false),
		MaintenanceCron:   util.GetEnv("MAINTENANCE_CRON", scheduler.DefaultPurgeSchedule),
		BusinessNumber:    util.GetEnv("WAGATE_BUSINESS_NUMBER", ""),
	}

	slog.Debug("environment variables loaded",
		"WAGATE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"WHATSAPP_ACCESS_TOKEN_SET", config.AccessToken != "",
		"WHATSAPP_PHONE_NUMBER_ID", config.PhoneNumberID,
		"WHATSAPP_APP_SECRET_SET", config.AppSecret != "",
		"WHATSAPP_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"FLOW_PRIVATE_KEY_SET", config.FlowKey != "" || config.FlowKeyFile != "",
		"FLOW_PRIVATE_KEY_PASSPHRASE_SET", config.FlowKeyPassphrase != "",
		"POLICY_FILE", config.PolicyFile,
		"WAGATE_IN_MEMORY", config.InMemory,
		"MAINTENANCE_CRON", config.MaintenanceCron,
		"WAGATE_BUSINESS_NUMBER", config.BusinessNumber)

	return config
}

// parseCommandLineFlags parses args with environment defaults. Without an
// explicit DSN, SQLite in the state directory is used.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("wagate", flag.ContinueOnError)
	var f Flags
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for WaGate data (overrides $WAGATE_STATE_DIR)")
	fs.StringVar(&f.DSN, "db-dsn", config.DatabaseURL, "database DSN, a PostgreSQL URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.PolicyFile, "policy-file", config.PolicyFile, "YAML messaging window policy (overrides $POLICY_FILE)")
	fs.StringVar(&f.MaintenanceCron, "maintenance-cron", config.MaintenanceCron, "dedup purge schedule (overrides $MAINTENANCE_CRON)")
	fs.BoolVar(&f.InMemory, "in-memory", config.InMemory, "keep all state in memory (overrides $WAGATE_IN_MEMORY)")
	fs.StringVar(&f.LogLevel, "log-level", "debug", "log level: debug, info, warn or error")
	fs.BoolVar(&f.QR, "qr", false, "print the click-to-chat QR code for $WAGATE_BUSINESS_NUMBER")
	fs.StringVar(&f.QROutput, "qr-output", "", "path to write the click-to-chat QR code")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if f.DSN == "" && !f.InMemory {
		f.DSN = filepath.Join(f.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", f.DSN)
	}
	if f.InMemory {
		f.DSN = ""
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"dsn_set", f.DSN != "",
		"apiAddr", f.APIAddr,
		"policyFile", f.PolicyFile,
		"maintenanceCron", f.MaintenanceCron,
		"inMemory", f.InMemory,
		"logLevel", f.LogLevel,
		"qr", f.QR,
		"qrOutput", f.QROutput)
	return f, nil
}

// storeDriver names the backend the flags select.
func storeDriver(flags Flags) string {
	if flags.DSN == "" {
		return "memory"
	}
	return store.DetectDSNType(flags.DSN)
}

// ensureDirectoriesExist creates the state directory and the SQLite file's parent.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(flags.StateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", flags.StateDir, err)
	}
	if storeDriver(flags) == store.DriverSQLite {
		dir := filepath.Dir(flags.DSN)
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	switch storeDriver(flags) {
	case store.DriverPostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(flags.DSN)}
	case store.DriverSQLite:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.DSN)
		return []store.Option{store.WithSQLiteDSN(flags.DSN)}
	default:
		slog.Debug("No database DSN provided, will use in-memory store")
		return nil
	}
}

// buildWhatsAppOptions constructs Cloud API client options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	opts := []whatsapp.Option{
		whatsapp.WithAccessToken(config.AccessToken),
		whatsapp.WithPhoneNumberID(config.PhoneNumberID),
	}
	if config.APIVersion != "" {
		opts = append(opts, whatsapp.WithAPIVersion(config.APIVersion))
	}
	if config.GraphURL != "" {
		opts = append(opts, whatsapp.WithGraphURL(config.GraphURL))
	}
	return opts
}

// buildSender returns the Cloud API client, or a mock that only records
// sends when no credentials are configured.
func buildSender(config Config) (whatsapp.Sender, error) {
	client, err := whatsapp.NewClient(buildWhatsAppOptions(config)...)
	if errors.Is(err, whatsapp.ErrNotConfigured) {
		slog.Warn("WhatsApp Cloud API credentials not set, outbound messages will only be recorded in memory")
		return whatsapp.NewMockClient(), nil
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags, verifyToken string) []api.Option {
	opts := []api.Option{api.WithAddr(flags.APIAddr), api.WithVerifyToken(verifyToken)}
	if config.AppSecret != "" {
		opts = append(opts, api.WithAppSecret(config.AppSecret))
	} else {
		slog.Warn("WHATSAPP_APP_SECRET not set, webhook and flow signatures will not be verified")
	}
	return opts
}

// loadPolicy reads the policy file when one is configured.
func loadPolicy(path string) (policy.Config, error) {
	if path == "" {
		return policy.DefaultConfig(), nil
	}
	return policy.LoadConfig(path)
}

// loadFlowCodec returns nil when no Flow key is configured.
func loadFlowCodec(config Config) (*flowcrypto.Codec, error) {
	pemData := config.FlowKey
	if pemData == "" && config.FlowKeyFile != "" {
		data, err := os.ReadFile(config.FlowKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read flow private key: %w", err)
		}
		pemData = string(data)
	}
	if strings.TrimSpace(pemData) == "" {
		slog.Warn("No Flow private key configured, /flows will answer 503")
		return nil, nil
	}
	return flowcrypto.NewCodec(pemData, config.FlowKeyPassphrase)
}

// buildFlowRouter serves initScreen on INIT and completes the flow otherwise.
func buildFlowRouter(initScreen string) *flow.Router {
	r := flow.NewRouter(flow.CompleteHandler())
	r.Register(flow.ActionInit, "", &flow.StaticHandler{Screen: initScreen})
	return r
}

// resolveVerifyToken returns the configured token, or one generated and
// persisted in the state directory so it survives restarts.
func resolveVerifyToken(config Config, stateDir string) (string, error) {
	if config.VerifyToken != "" {
		return config.VerifyToken, nil
	}
	path := filepath.Join(stateDir, verifyTokenFileName)
	if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		slog.Info("Using webhook verify token from state directory", "path", path)
		return strings.TrimSpace(string(data)), nil
	}
	token, err := util.RandomToken(16)
	if err != nil {
		return "", fmt.Errorf("generate verify token: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write verify token: %w", err)
	}
	slog.Info("Generated webhook verify token", "path", path)
	return token, nil
}

// writeQR prints and/or saves the click-to-chat QR code.
func writeQR(config Config, flags Flags, stdout io.Writer) error {
	if !flags.QR && flags.QROutput == "" {
		return nil
	}
	if config.BusinessNumber == "" {
		return errors.New("WAGATE_BUSINESS_NUMBER must be set to render a QR code")
	}
	if flags.QR {
		link, err := whatsapp.WriteClickToChatQR(stdout, config.BusinessNumber, "")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, link)
	}
	if flags.QROutput != "" {
		f, err := os.Create(flags.QROutput)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		if _, err := whatsapp.WriteClickToChatQR(f, config.BusinessNumber, ""); err != nil {
			return err
		}
		slog.Info("Click-to-chat QR code written", "path", flags.QROutput)
	}
	return nil
}

// run wires every module together and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, config Config, flags Flags) error {
	if err := writeQR(config, flags, os.Stdout); err != nil {
		return err
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	// Window updates are only serialized inside one process for these backends.
	driver := storeDriver(flags)
	if driver != store.DriverPostgres {
		lock, err := lockfile.AcquireLock(flags.StateDir, driver)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	policyCfg, err := loadPolicy(flags.PolicyFile)
	if err != nil {
		return err
	}
	engine, err := policy.New(st, policyCfg)
	if err != nil {
		return err
	}
	sender, err := buildSender(config)
	if err != nil {
		return err
	}
	codec, err := loadFlowCodec(config)
	if err != nil {
		return err
	}
	verifyToken, err := resolveVerifyToken(config, flags.StateDir)
	if err != nil {
		return err
	}

	svc := messaging.NewCloudService(sender, engine, st)
	server := api.NewServer(svc, st, codec, buildFlowRouter(config.FlowInitScreen), buildAPIOptions(config, flags, verifyToken)...)

	sched := scheduler.NewScheduler(engine.Location())
	maint := &scheduler.Maintenance{Dedup: st, Outbox: svc.Outbox()}
	if err := maint.Register(sched, flags.MaintenanceCron); err != nil {
		<-sched.Stop().Done()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := svc.Start(gctx); err != nil {
		<-sched.Stop().Done()
		return err
	}
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		drainEvents(svc)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		<-sched.Stop().Done()
		return svc.Stop()
	})
	return g.Wait()
}

// drainEvents logs receipts and responses until the service closes its channels.
func drainEvents(svc messaging.Service) {
	receipts, responses := svc.Receipts(), svc.Responses()
	for receipts != nil || responses != nil {
		select {
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Receipt", "message_id", r.MessageID, "to", r.To, "status", r.Status, "error_code", r.ErrorCode)
		case r, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			slog.Debug("Response", "message_id", r.MessageID, "from", r.From, "kind", r.Kind)
		}
	}
}
