package processor

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/config"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/metrics"
	"github.com/Stock-Smith/Stock-Smith-sub000/pkg/models"
)

// Processor relays the Kafka tick log onto the bus. Ticks for one ticker
// always land on the same worker, which keeps their order and lets each
// worker drop replays by sequence number.
type Processor struct {
	logger     Logger
	bus        Publisher
	reader     KafkaReader
	numWorkers int
}

func NewProcessor(cfg *config.Config, logger Logger, bus Publisher, reader KafkaReader) *Processor {
	n := cfg.Processor.NumWorkers
	if n <= 0 {
		n = 1
	}
	return &Processor{
		logger:     logger,
		bus:        bus,
		reader:     reader,
		numWorkers: n,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	workerChans := make([]chan []byte, p.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < p.numWorkers; i++ {
		workerChans[i] = make(chan []byte, 100)
		wg.Add(1)
		go p.worker(i, workerChans[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.logger.Info("Processor Started", zap.Int("workers", p.numWorkers))
		for {
			m, err := p.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					return
				}
				p.logger.Error("Kafka Read Error", zap.Error(err))
				continue
			}

			// Deterministic Sharding: Same ticker always goes to same worker
			workerID := getWorkerID(m.Key, p.numWorkers)

			select {
			case workerChans[workerID] <- m.Value:
			case <-ctx.Done():
				return
			default:
				metrics.FramesDropped.WithLabelValues("relay").Inc()
				p.logger.Warn("Dropping slow packet", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping processor...")

	<-readerDone
	for _, ch := range workerChans {
		close(ch)
	}
	p.logger.Info("Waiting for workers to drain...")
	wg.Wait()

	return nil
}

func (p *Processor) worker(id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	// Background context so a shutdown does not cut a publish in half
	ctx := context.Background()

	// Local state for deduplication (only works because of deterministic sharding)
	lastSeq := make(map[string]int64)

	for payload := range msgs {
		var tick models.PriceTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			p.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}
		tick.Ticker = models.NormalizeTicker(tick.Ticker)
		if tick.Ticker == "" {
			p.logger.Warn("Dropping tick without ticker")
			continue
		}

		if tick.Seq > 0 && tick.Seq <= lastSeq[tick.Ticker] {
			p.logger.Debug("Skipping duplicate tick", zap.String("ticker", tick.Ticker), zap.Int64("seq", tick.Seq))
			continue
		}

		if err := p.bus.Publish(ctx, models.TopicFor(tick.Ticker), payload); err != nil {
			p.logger.Error("Bus Publish Error", zap.Error(err), zap.String("ticker", tick.Ticker))
			continue
		}
		p.logger.Debug("Processed", zap.String("ticker", tick.Ticker), zap.Int("worker_id", id))
		if tick.Seq > 0 {
			lastSeq[tick.Ticker] = tick.Seq
		}
	}
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
