// Command pubsubemu-bench spins up an in-process broker, publishes a batch
// of messages through a Publisher, drains them through a StreamingPull, and
// reports delivery/ack counts. It exists to give pkg/pubsubemu an exercised
// entry point beyond its test suite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/chris-alexander-pop/pubsubemu/pkg/config"
	"github.com/chris-alexander-pop/pubsubemu/pkg/logger"
	"github.com/chris-alexander-pop/pubsubemu/pkg/pubsubemu"
)

// runConfig holds the benchmark's own tunables, loaded the same way any
// service in this module loads its configuration.
type runConfig struct {
	LogLevel  string `env:"LOG_LEVEL" env-default:"INFO"`
	LogFormat string `env:"LOG_FORMAT" env-default:"TEXT"`
}

func main() {
	messageCount := flag.Int("messages", 10000, "number of messages to publish")
	orderedKeys := flag.Int("ordered-keys", 16, "number of distinct ordering keys to spread messages across")
	streams := flag.Int("streams", 4, "number of concurrent pull streams")
	flag.Parse()

	var cfg runConfig
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Async: false})

	ctx := context.Background()
	if err := run(ctx, *messageCount, *orderedKeys, *streams); err != nil {
		logger.L().ErrorContext(ctx, "benchmark failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, messageCount, orderedKeys, streamCount int) error {
	broker := pubsubemu.NewBroker()
	leaseManager := pubsubemu.NewLeaseManager(broker, pubsubemu.DefaultLeaseManagerOptions())
	defer leaseManager.Stop()

	housekeeper := pubsubemu.NewHousekeeper(broker, pubsubemu.DefaultHousekeeperOptions())
	hkCtx, hkCancel := context.WithCancel(ctx)
	housekeeper.Start(hkCtx)
	defer hkCancel()

	if err := broker.RegisterTopic("bench", pubsubemu.DefaultTopicOptions()); err != nil {
		return err
	}

	subOpts := pubsubemu.DefaultSubscriptionOptions()
	subOpts.EnableMessageOrdering = orderedKeys > 0
	if err := broker.RegisterSubscription("bench-sub", "bench", subOpts); err != nil {
		return err
	}

	streamOpts := pubsubemu.DefaultStreamingOptions()
	streamOpts.MaxStreams = streamCount

	var delivered, acked int64
	done := make(chan struct{})

	sp := pubsubemu.NewStreamingPull(broker, "bench-sub", func(ctx context.Context, m *pubsubemu.Message) {
		n := atomic.AddInt64(&delivered, 1)
		m.Ack()
		atomic.AddInt64(&acked, 1)
		if int(n) >= messageCount {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}, leaseManager, streamOpts, pubsubemu.DefaultSubscriberFlowControlOptions(), pubsubemu.DefaultCloseOptions())

	pullCtx, pullCancel := context.WithCancel(ctx)
	sp.Start(pullCtx)
	defer func() {
		pullCancel()
		sp.Stop()
	}()

	publisher := pubsubemu.NewPublisher(broker, "bench", pubsubemu.DefaultBatchingOptions(), pubsubemu.DefaultPublisherFlowControlOptions())
	defer publisher.Close()

	start := time.Now()
	for i := 0; i < messageCount; i++ {
		key := ""
		if orderedKeys > 0 {
			key = fmt.Sprintf("key-%d", i%orderedKeys)
		}
		if _, err := publisher.Publish(ctx, &pubsubemu.StoredMessage{
			Data:        []byte(fmt.Sprintf("message-%d", i)),
			OrderingKey: key,
		}); err != nil {
			return err
		}
	}
	publisher.Flush()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.L().WarnContext(ctx, "benchmark timed out waiting for delivery",
			"delivered", atomic.LoadInt64(&delivered), "expected", messageCount)
	}

	elapsed := time.Since(start)
	logger.L().InfoContext(ctx, "benchmark complete",
		"messages", messageCount,
		"ordered_keys", orderedKeys,
		"streams", streamCount,
		"delivered", atomic.LoadInt64(&delivered),
		"acked", atomic.LoadInt64(&acked),
		"elapsed", elapsed.String(),
		"messages_per_second", float64(messageCount)/elapsed.Seconds(),
	)
	return nil
}
