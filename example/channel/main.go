package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/pvflow"
)

func main() {
	cfg := pvflow.DefaultConfig()
	cfg.Channels = []string{"MODE"}
	cfg.Transport.Kind = pvflow.TransportInproc

	flow, err := pvflow.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub := pvflow.NewPublisher(0)
	sink, records, closeRecords := pvflow.NewChannelSink("fanout", 32)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fanoutWorker("ingest", records)
	}()
	go cycleModes(ctx, pub)

	err = flow.StreamIN(pvflow.StreamInPublisher(pub)).Run(ctx, pvflow.StreamOutSink(sink))
	closeRecords()
	<-done
	if err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, records <-chan pvflow.Record) {
	changes := 0
	for rec := range records {
		if rec.ValueChanged {
			changes++
		}
		fmt.Printf("[%s] #%d %s=%s (%d changes so far)\n", name, rec.Seq, rec.Channel, rec.Value, changes)
	}
	fmt.Printf("[%s] stream closed after %d changes\n", name, changes)
}

// cycleModes publishes an enum channel that steps through its states.
func cycleModes(ctx context.Context, pub *pvflow.Publisher) {
	if err := pub.WaitSubscribed(ctx, "MODE"); err != nil {
		return
	}
	labels := []string{"IDLE", "RAMP", "HOLD"}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idx := (i / 2) % len(labels)
			if err := pub.PublishValue("MODE", pvflow.Enum(idx, labels[idx]), now); err != nil {
				return
			}
		}
	}
}
