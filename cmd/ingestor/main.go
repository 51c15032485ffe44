// Package main provides the ingestor HTTP service.
//
// The service provisions the transaction partition tree from the topology file
// on startup, then accepts uploads over HTTP and writes them to their partition.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/s2report/ingestor/internal/api"
	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/bootstrap"
	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingestor"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	generateKey := flag.Bool("generate-key", false, "print a new operator API key and its bcrypt hash, then exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *generateKey {
		if err := printNewKey(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	api.Version = version
	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting ingestor service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.Int64("max_upload_size", serverConfig.MaxUploadSize),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	middlewareConfig := middleware.LoadConfig()

	// Graceful shutdown of the limiter is handled by server.shutdown()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("operator_rps", middlewareConfig.OperatorRPS),
		slog.Int("operator_burst", middlewareConfig.OperatorBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	storageConfig := storage.LoadConfig()

	rt, err := bootstrap.Open(logger, storageConfig, bootstrap.LoadAuditConfig())
	if err != nil {
		logger.Error("Failed to initialize runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}

	provisioner, err := rt.Provisioner()
	if err != nil {
		exit(logger, rt, "Failed to create provisioner", err)
	}

	if config.GetEnvBool("INGESTOR_PROVISION_ON_START", true) {
		report, err := provisioner.Provision(audit.WithActor(context.Background(), audit.SystemActor), rt.Topology)
		if err != nil {
			// Fail-fast: uploads would be routed to partitions that do not exist.
			exit(logger, rt, "Provisioning failed", err)
		}

		logger.Info("Partition tree ready",
			slog.Int("created", report.Created),
			slog.Int("already_present", report.AlreadyPresent),
		)
	}

	engine, transactions, err := rt.Engine()
	if err != nil {
		exit(logger, rt, "Failed to create ingestion engine", err)
	}

	deps := api.Dependencies{
		Ingester:    engine,
		Uploads:     transactions,
		Partitions:  provisioner,
		Health:      rt.Conn,
		Topology:    rt.Topology,
		RateLimiter: rateLimiter,
		Closers:     rt.Closers(),
	}

	if rt.AuditLog != nil {
		deps.Audit = rt.AuditLog
	}

	operators, err := storage.LoadOperatorsFromEnv()
	if err != nil {
		exit(logger, rt, "Failed to load operators", err)
	}

	if operators != nil {
		deps.Operators = operators

		logger.Info("Operator authentication enabled", slog.Int("operators", len(operators.List())))
	} else {
		logger.Warn("Operator authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set OPERATORS_PATH to an operators file to require API keys"),
		)
	}

	server := api.NewServer(serverConfig, deps)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)

		_ = rt.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Ingestor service stopped")
}

// exit logs err, releases the runtime and exits with status 1.
func exit(logger *slog.Logger, rt *bootstrap.Runtime, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = rt.Close()

	os.Exit(1)
}

// printNewKey prints a fresh operator key and the key_hash line for the operators file.
func printNewKey(out io.Writer) error {
	key, err := storage.GenerateAPIKey()
	if err != nil {
		return err
	}

	hash, err := storage.HashAPIKey(key)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "api_key:  %s\nkey_hash: %s\n\nThe key is shown once. Store only key_hash in the operators file.\n",
		key, hash)

	return err
}
