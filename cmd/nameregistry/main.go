package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/pratilipi/nameregistry-go/events"
	"github.com/pratilipi/nameregistry-go/httpapi"
	"github.com/pratilipi/nameregistry-go/lease"
	"github.com/pratilipi/nameregistry-go/registry"
)

const (
	defaultRegion  = "us-east-1"
	defaultListen  = ":8080"
	defaultStore   = "redis"
	shutdownWindow = 5 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := env("STORE", defaultStore)
	regCfg := registryConfig()
	name := os.Getenv("NAME")
	address := os.Getenv("ADDRESS")
	listen := env("LISTEN_ADDR", defaultListen)
	streamName := os.Getenv("STREAM_NAME")
	snapshotSpec := env("SNAPSHOT_CRON", "@every 1m")

	slog.Info("nameregistry config",
		slog.String("store", backend),
		slog.String("namespace", regCfg.Namespace),
		slog.String("name", name),
		slog.String("address", address),
		slog.Duration("ttl", regCfg.TTL),
		slog.Duration("renew_interval", regCfg.RenewInterval),
		slog.String("listen", listen),
		slog.String("stream", streamName))

	st, closeStore, err := openStore(ctx, backend)
	if err != nil {
		slog.Error("open store", slog.String("store", backend), slog.Any("err", err))
		return
	}
	defer closeStore()

	metrics, err := events.NewMetrics(nil)
	if err != nil {
		slog.Error("register metrics", slog.Any("err", err))
		return
	}
	sinks := []events.Sink{metrics}

	if streamName != "" {
		sink, err := newKinesisSink(ctx, streamName)
		if err != nil {
			slog.Error("kinesis event sink", slog.Any("err", err))
			return
		}
		defer func() {
			_ = sink.Close()
			slog.Info("kinesis event sink closed",
				slog.Uint64("dropped", sink.Dropped()),
				slog.Uint64("failed", sink.Failed()))
		}()
		sinks = append(sinks, sink)
	}

	reg, err := registry.New(regCfg, st, registry.WithEventSink(events.Multi(sinks...)))
	if err != nil {
		slog.Error("create registry", slog.Any("err", err))
		return
	}

	if name != "" {
		l, err := reg.Claim(ctx, name, address)
		if err != nil {
			slog.Error("claim name", slog.String("name", name), slog.Any("err", err))
			return
		}
		if err := l.StartAutoRenew(); err != nil {
			slog.Error("start heartbeat", slog.String("name", name), slog.Any("err", err))
			return
		}
	}

	snapshots := cron.New()
	if _, err := snapshots.AddFunc(snapshotSpec, func() { logSnapshot(ctx, reg) }); err != nil {
		slog.Error("schedule snapshot", slog.String("spec", snapshotSpec), slog.Any("err", err))
		return
	}
	snapshots.Start()

	app := httpapi.New(reg, httpapi.Options{Logger: slog.Default(), Metrics: promhttp.Handler()})
	go func() {
		if err := app.Listen(listen); err != nil {
			slog.Error("http server stopped", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("nameregistry stopping", slog.Any("reason", ctx.Err()))

	<-snapshots.Stop().Done()
	if err := app.ShutdownWithTimeout(shutdownWindow); err != nil {
		slog.Warn("http shutdown", slog.Any("err", err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	if err := reg.Close(closeCtx); err != nil {
		slog.Warn("release leases", slog.Any("err", err))
	}
}

// registryConfig reads the registry settings from the environment. An unset
// RENEW_INTERVAL stays zero so the registry derives it from TTL.
func registryConfig() registry.Config {
	return registry.Config{
		Namespace:     env("NAMESPACE", registry.DefaultNamespace),
		TTL:           envDuration("TTL", lease.DefaultTTL),
		RenewInterval: envDuration("RENEW_INTERVAL", 0),
		Logger:        slog.Default(),
	}
}

// logSnapshot records how many names are live and which of ours are unhealthy.
func logSnapshot(ctx context.Context, reg *registry.Registry) {
	names, err := reg.ListNames(ctx)
	if err != nil {
		slog.Warn("snapshot names", slog.Any("err", err))
		return
	}

	var degraded, lost []string
	for _, l := range reg.Leases() {
		st := l.Status()
		if st.Degraded {
			degraded = append(degraded, l.Name())
		}
		if st.Lost {
			lost = append(lost, l.Name())
		}
	}

	slog.Info("registry snapshot",
		slog.String("namespace", reg.Namespace()),
		slog.Int("live_names", len(names)),
		slog.Int("held_leases", len(reg.Leases())),
		slog.Any("degraded", degraded),
		slog.Any("lost", lost))
}

func newKinesisSink(ctx context.Context, streamName string) (*events.KinesisSink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(env("AWS_REGION", defaultRegion)),
		awsconfig.WithEndpointResolverWithOptions(resolveEndpoint(os.Getenv("AWS_ENDPOINT"))))
	if err != nil {
		return nil, err
	}
	client := kinesis.NewFromConfig(awsCfg)

	if envBool("CREATE_STREAM", false) {
		if err := ensureStream(ctx, client, streamName, int32(envInt("SHARD_COUNT", 1))); err != nil {
			return nil, err
		}
	}
	return events.NewKinesisSink(client, streamName, slog.Default(), envInt("EVENT_BUFFER", 0)), nil
}

func ensureStream(ctx context.Context, cli *kinesis.Client, name string, shardCount int32) error {
	_, err := cli.CreateStream(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(name),
		ShardCount: aws.Int32(shardCount),
	})
	if err != nil {
		var alreadyExists *types.ResourceInUseException
		if !errors.As(err, &alreadyExists) {
			return err
		}
	}

	waiter := kinesis.NewStreamExistsWaiter(cli)
	return waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(name)}, 5*time.Minute)
}

func resolveEndpoint(endpoint string) aws.EndpointResolverWithOptionsFunc {
	return aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if endpoint == "" {
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		}
		return aws.Endpoint{
			URL:               endpoint,
			HostnameImmutable: true,
			PartitionID:       "aws",
		}, nil
	})
}
