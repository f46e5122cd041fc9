// Command http-to-nats-proxy exposes NATS request/reply services over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	natsproxy "github.com/CodingFlow/http-to-nats-proxy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("http-to-nats-proxy", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "load settings from this .env file (default: ./.env when present)")
	natsproxy.RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := natsproxy.LoadConfig(natsproxy.LoadOptions{EnvFile: *envFile, Flags: flags})
	if err != nil {
		return err
	}

	baseLogger, err := natsproxy.NewSlogLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := natsproxy.NewSlogServiceLogger(baseLogger)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.NATSClientName))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shut down tracer provider", err, nil)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := natsproxy.NewService(cfg, logger, ctx, natsproxy.ServiceDependencies{
		TracerProvider: tp,
	})
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("Gateway stopped", err, natsproxy.LogFields{"address": cfg.ListenAddress()})
		return err
	}
	logger.Info("Gateway stopped", nil)
	return nil
}
