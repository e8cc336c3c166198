package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/pvflow"
)

func main() {
	cfg := pvflow.DefaultConfig()
	cfg.Channels = []string{"TEMP", "PRESSURE"}
	cfg.Transport.Kind = pvflow.TransportInproc

	pub := pvflow.NewPublisher(0)
	flow, err := pvflow.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go simulate(ctx, pub, cfg.Channels)

	callback := func(rec pvflow.Record) error {
		fmt.Printf("%s #%d %s=%s changed=%t skew=%.6fs\n",
			rec.LocalTime.Format(time.RFC3339Nano),
			rec.Seq,
			rec.Channel,
			rec.Value,
			rec.ValueChanged,
			rec.ClockSkewSeconds,
		)
		return nil
	}

	err = flow.
		StreamIN(pvflow.StreamInPublisher(pub)).
		Run(ctx, pvflow.StreamOutCallback("stdout", callback))
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

// simulate publishes a slowly drifting reading per channel, repeating values
// now and then so unchanged updates show up too.
func simulate(ctx context.Context, pub *pvflow.Publisher, channels []string) {
	if err := pub.WaitSubscribed(ctx, channels...); err != nil {
		return
	}
	values := make(map[string]float64, len(channels))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ch := range channels {
				if rand.Intn(3) > 0 {
					values[ch] += rand.Float64() - 0.5
				}
				if err := pub.PublishValue(ch, pvflow.Numeric(values[ch]), now); err != nil {
					return
				}
			}
		}
	}
}
