// Package main provides the Kafka upload consumer.
//
// Usage:
//
//	consumer [consume]
//	consumer publish -file FILE -country C -platform P -channel CH [-data-type DT] [-operator NAME]
//
// consume reads upload messages from KAFKA_TOPIC and ingests them until it is
// interrupted. publish enqueues one file as an upload message.
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
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/s2report/ingestor/internal/bootstrap"
	"github.com/s2report/ingestor/internal/queue"
	"github.com/s2report/ingestor/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "consumer"
)

var (
	// ErrUnknownCommand is returned for commands the consumer does not know.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingFile is returned when publish is not given a file.
	ErrMissingFile = errors.New("publish requires -file")
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := bootstrap.NewLogger()

	if err := run(ctx, logger, flag.Args(), os.Stdout); err != nil {
		logger.Error("Consumer failed", slog.String("error", err.Error()))

		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string, out io.Writer) error {
	command := "consume"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg := queue.LoadConfig()

	switch command {
	case "consume":
		return consume(ctx, logger, cfg)
	case "publish":
		msg, err := parsePublish(args)
		if err != nil {
			return err
		}

		return publish(ctx, cfg, msg, out)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func consume(ctx context.Context, logger *slog.Logger, cfg *queue.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := bootstrap.Open(logger, storage.LoadConfig(), bootstrap.LoadAuditConfig())
	if err != nil {
		return err
	}

	engine, _, err := rt.Engine()
	if err != nil {
		return errors.Join(err, rt.Close())
	}

	reader, err := queue.NewReader(cfg, logger)
	if err != nil {
		return errors.Join(err, rt.Close())
	}

	consumer, err := queue.NewConsumer(reader, engine,
		queue.WithConsumerAuditor(rt.Auditor),
		queue.WithConsumerLogger(logger),
		queue.WithCommitTimeout(cfg.CommitTimeout),
	)
	if err != nil {
		return errors.Join(err, reader.Close(), rt.Close())
	}

	logger.Info("Consumer started", slog.String("queue", cfg.String()))

	runErr := consumer.Run(ctx)
	stats := consumer.Stats()

	logger.Info("Consumer stopped",
		slog.Int64("ingested", stats.Ingested),
		slog.Int64("duplicates", stats.Duplicates),
		slog.Int64("rejected", stats.Rejected),
	)

	return errors.Join(runErr, reader.Close(), rt.Close())
}

// parsePublish builds an upload message from the publish flags.
func parsePublish(args []string) (*queue.Message, error) {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)

	path := fs.String("file", "", "file to upload")
	msg := &queue.Message{}
	fs.StringVar(&msg.Country, "country", "", "country code")
	fs.StringVar(&msg.Platform, "platform", "", "platform name")
	fs.StringVar(&msg.Channel, "channel", "", "channel name")
	fs.StringVar(&msg.DataType, "data-type", "", "data type (optional for some platforms)")
	fs.StringVar(&msg.Operator, "operator", "", "operator recorded as the uploader")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path == "" {
		return nil, ErrMissingFile
	}

	content, err := os.ReadFile(*path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", *path, err)
	}

	msg.FileName = filepath.Base(*path)
	msg.Content = content

	return msg, nil
}

func publish(ctx context.Context, cfg *queue.Config, msg *queue.Message, out io.Writer) error {
	publisher, err := queue.NewPublisher(cfg)
	if err != nil {
		return err
	}

	if err := publisher.Publish(ctx, msg); err != nil {
		return errors.Join(err, publisher.Close())
	}

	if err := publisher.Close(); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "published %s to %s\n", msg.FileName, cfg.Topic)

	return err
}
