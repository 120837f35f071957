package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kscalelabs/kodachrome/internal/cache"
	"github.com/kscalelabs/kodachrome/internal/cache/freecache"
	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/db"
	"github.com/kscalelabs/kodachrome/internal/db/repository"
	"github.com/kscalelabs/kodachrome/internal/queue"
	jq "github.com/kscalelabs/kodachrome/internal/queue/jetstream"
	"github.com/kscalelabs/kodachrome/internal/sink"
	"github.com/kscalelabs/kodachrome/internal/storage"
	"github.com/kscalelabs/kodachrome/internal/storage/minio"
)

// Component holds the clients the server shares. Clients for disabled sinks
// stay nil.
type Component struct {
	Cache         cache.Cache
	DBClient      *db.DB
	Outcomes      *repository.OutcomeRepository
	QClient       queue.Queue
	StorageClient storage.Storage
	Dispatcher    *sink.Dispatcher
}

// GetNewComponents connects every backend the enabled sinks need and builds
// the dispatcher. On error, whatever was already opened is closed again.
func GetNewComponents(ctx context.Context, cfg *config.Config, sinkTimeout time.Duration) (comp *Component, err error) {
	comp = &Component{}
	defer func() {
		if err != nil {
			comp.ShutDown(context.Background())
			comp = nil
		}
	}()

	if comp.Cache, err = GetCache(); err != nil {
		return comp, fmt.Errorf("cache initialization error: %w", err)
	}

	var sinks []sink.Sink
	for _, name := range cfg.SINKS {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, sink.LogSink{})

		case config.SinkPostgres:
			pc, err := config.GetPostgresConfig()
			if err != nil {
				return comp, err
			}
			if comp.DBClient, err = db.New(ctx, pc); err != nil {
				return comp, fmt.Errorf("db initialization error: %w", err)
			}
			comp.Outcomes = repository.NewOutcomeRepository(comp.DBClient)
			if err := comp.Outcomes.EnsureSchema(ctx); err != nil {
				return comp, err
			}
			sinks = append(sinks, sink.NewDBSink(comp.Outcomes))

		case config.SinkJetstream:
			if comp.QClient, err = GetQueue(); err != nil {
				return comp, fmt.Errorf("queue initialization error: %w", err)
			}
			sinks = append(sinks, sink.NewQueueSink(comp.QClient))

		case config.SinkMinio:
			if comp.StorageClient, err = GetStorage(ctx); err != nil {
				return comp, fmt.Errorf("storage initialization error: %w", err)
			}
			sinks = append(sinks, sink.NewStorageSink(comp.StorageClient))
		}
	}

	comp.Dispatcher = sink.NewDispatcher(sinkTimeout, sinks...)
	return comp, nil
}

func GetCache() (cache.Cache, error) {
	cfg, err := config.GetFreeCacheConfig()
	if err != nil {
		return nil, err
	}
	return freecache.NewFreeCache(cfg)
}

func GetQueue() (queue.Queue, error) {
	cfg, err := config.GetNatsConfig()
	if err != nil {
		return nil, err
	}
	return jq.NewJetStreamClient(cfg)
}

func GetStorage(ctx context.Context) (storage.Storage, error) {
	cfg, err := config.GetMinioConfig()
	if err != nil {
		return nil, err
	}
	return minio.NewMinioClient(ctx, cfg)
}

// ShutDown closes every open client in parallel, giving up when ctx ends.
func (c *Component) ShutDown(ctx context.Context) {
	var wg sync.WaitGroup

	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	if c.Cache != nil {
		shutdown(c.Cache.ShutDown)
	}
	if c.StorageClient != nil {
		shutdown(c.StorageClient.ShutDown)
	}
	if c.QClient != nil {
		shutdown(func(context.Context) { c.QClient.Shutdown() })
	}
	if c.DBClient != nil {
		shutdown(func(context.Context) { c.DBClient.Close() })
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
