// Command noetl runs a playbook: it wires the event log, command queue,
// coordination mirror and result storage, starts the engine and a worker
// pool, submits the playbook and streams execution events until the
// execution reaches a terminal state.
//
// With no backend flags everything runs in process. -redis enables the
// Redis queue, the replicated coordination map and the KV result tier;
// -mongo enables the durable Mongo event log.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/eventlog"
	eventloginmem "github.com/noetl/noetl/eventlog/inmem"
	eventlogmongo "github.com/noetl/noetl/eventlog/mongo"
	clientsmongo "github.com/noetl/noetl/eventlog/mongo/clients/mongo"
	"github.com/noetl/noetl/keychain"
	keychaininmem "github.com/noetl/noetl/keychain/inmem"
	"github.com/noetl/noetl/kv"
	kvinmem "github.com/noetl/noetl/kv/inmem"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/queue"
	queueinmem "github.com/noetl/noetl/queue/inmem"
	queueredis "github.com/noetl/noetl/queue/redis"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/telemetry"
	"github.com/noetl/noetl/worker"
)

func main() {
	var (
		playbookF = flag.String("playbook", "", "Path to the playbook YAML file (required)")
		workloadF = flag.String("workload", "", "JSON object merged over the playbook workload")
		redisF    = flag.String("redis", "", "Redis address enabling the distributed queue, mirror and KV tier")
		mongoF    = flag.String("mongo", "", "MongoDB URI enabling the durable event log")
		mongoDBF  = flag.String("mongo-db", "noetl", "MongoDB database name")
		workersF  = flag.Int("workers", 2, "Number of workers to run")
		nodeF     = flag.Int64("node", 0, "Node discriminator for execution ID allocation")
		timeoutF  = flag.Duration("timeout", 10*time.Minute, "Execution deadline")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if *playbookF == "" {
		log.Fatal(ctx, fmt.Errorf("missing required -playbook flag"))
	}

	src, err := os.ReadFile(*playbookF)
	if err != nil {
		log.Fatalf(ctx, err, "read playbook %q", *playbookF)
	}
	pb, err := playbook.Parse(src)
	if err != nil {
		log.Fatalf(ctx, err, "parse playbook %q", *playbookF)
	}

	workload := map[string]any{}
	if *workloadF != "" {
		if err := json.Unmarshal([]byte(*workloadF), &workload); err != nil {
			log.Fatalf(ctx, err, "parse -workload")
		}
	}

	var rdb *redis.Client
	if *redisF != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisF})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "ping redis %q", *redisF)
		}
		defer rdb.Close()
	}

	// Event log: Mongo when configured, in-memory otherwise.
	var store eventlog.Store
	if *mongoF != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(*mongoF))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongo %q", *mongoF)
		}
		defer func() {
			_ = mc.Disconnect(context.Background())
		}()
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: *mongoDBF})
		if err != nil {
			log.Fatalf(ctx, err, "init mongo event log")
		}
		store, err = eventlogmongo.NewStore(client)
		if err != nil {
			log.Fatalf(ctx, err, "init mongo event log store")
		}
	} else {
		store = eventloginmem.New()
	}

	// Command queue and coordination mirror.
	var (
		q      queue.Queue
		mirror *kv.Mirror
	)
	if rdb != nil {
		rq, err := queueredis.New(queueredis.Options{Client: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "init redis queue")
		}
		q = rq
		coord, err := rmap.Join(ctx, "noetl-coord", rdb)
		if err != nil {
			log.Fatalf(ctx, err, "join coordination map")
		}
		mirror = kv.NewMirror(coord)
	} else {
		q = queueinmem.New()
		mirror = kv.NewMirror(kvinmem.New())
	}

	// Result storage tiers. The KV tier rides on Redis when available.
	tiers := resultref.Tiers{
		Memory: resultref.NewMemoryBackend(),
		Object: resultref.NewMemoryBackend(),
	}
	if rdb != nil {
		kvTier, err := resultref.NewRedisBackend(resultref.RedisOptions{Client: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "init redis result tier")
		}
		tiers.KV = kvTier
	}
	janitor := resultref.NewJanitor(tiers)

	catalog := engine.NewMapCatalog()
	catalog.Register(pb)

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	eng := engine.New(store, q, mirror, catalog,
		engine.WithTiers(tiers),
		engine.WithJanitor(janitor),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithNode(*nodeF),
	)
	defer eng.Close()

	resolver := keychain.NewResolver(keychaininmem.New())

	registry := worker.NewRegistry()
	registry.Register("http", worker.NewHTTPExecutor(nil))
	registry.Register("playbook", worker.NewPlaybookExecutor(eng, store))

	ctx, cancel := context.WithTimeout(ctx, *timeoutF)
	defer cancel()

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	workerIDs := make([]string, 0, *workersF)
	for i := 0; i < *workersF; i++ {
		workerIDs = append(workerIDs, fmt.Sprintf("noetl-%d", i))
		w := worker.New(fmt.Sprintf("noetl-%d", i), q, store, registry,
			worker.WithMirror(mirror),
			worker.WithResolver(resolver),
			worker.WithTiers(tiers),
			worker.WithJanitor(janitor),
			worker.WithLogger(logger),
			worker.WithMetrics(metrics),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Errorf(ctx, err, "worker stopped")
			}
		}()
	}

	go watchHeartbeats(ctx, mirror, workerIDs)

	id, err := eng.Submit(ctx, ref(pb), workload)
	if err != nil {
		log.Fatalf(ctx, err, "submit playbook")
	}
	log.Print(ctx, log.KV{K: "msg", V: "execution started"}, log.KV{K: "execution_id", V: id})

	go func() {
		errc <- await(ctx, store, mirror, eventlog.ExecutionID(id))
	}()

	err = <-errc
	cancel()
	wg.Wait()
	if err != nil {
		log.Fatalf(ctx, err, "execution did not complete")
	}
	log.Print(ctx, log.KV{K: "msg", V: "execution finished"}, log.KV{K: "execution_id", V: id})
}

// ref returns the catalog reference the playbook registers under.
func ref(pb *playbook.Playbook) string {
	if pb.Metadata.Path != "" {
		return pb.Metadata.Path
	}
	return pb.Metadata.Name
}

// watchHeartbeats warns when a worker stops heartbeating the mirror.
func watchHeartbeats(ctx context.Context, mirror *kv.Mirror, ids []string) {
	const stale = 30 * time.Second
	ticker := time.NewTicker(stale / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids {
				at, ok := mirror.LastHeartbeat(id)
				if !ok {
					continue
				}
				if time.Since(at) > stale {
					log.Print(ctx, log.KV{K: "msg", V: "worker heartbeat stale"},
						log.KV{K: "worker_id", V: id},
						log.KV{K: "last_seen", V: at.Format(time.RFC3339)})
				}
			}
		}
	}
}

// await streams execution events, logging each one, until the execution
// reaches a terminal state. Returns an error for failed executions.
func await(ctx context.Context, store eventlog.Store, mirror *kv.Mirror, id eventlog.ExecutionID) error {
	ch, err := store.Watch(ctx, id)
	if err != nil {
		return err
	}
	events, err := eventlog.Since(ctx, store, id, 0)
	if err != nil {
		return err
	}
	state := eventlog.Project(id, events)
	for _, e := range events {
		logEvent(ctx, mirror, id, e)
	}
	for !state.Status.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream closed before terminal state")
			}
			if e.ID <= state.LastEventID {
				continue
			}
			logEvent(ctx, mirror, id, e)
			state.Apply(e)
		}
	}
	if state.Status == eventlog.StatusFailed {
		if state.LastError != nil {
			return fmt.Errorf("execution failed at step %q: %w", state.FailedStep, state.LastError)
		}
		return fmt.Errorf("execution failed")
	}
	return nil
}

func logEvent(ctx context.Context, mirror *kv.Mirror, id eventlog.ExecutionID, e *eventlog.Event) {
	kvs := []log.Fielder{
		log.KV{K: "event_id", V: e.ID},
		log.KV{K: "type", V: string(e.Type)},
	}
	if e.Step != "" {
		kvs = append(kvs, log.KV{K: "step", V: e.Step})
	}
	if e.Attempt > 0 {
		kvs = append(kvs, log.KV{K: "attempt", V: e.Attempt})
	}
	if e.Iter >= 0 {
		kvs = append(kvs, log.KV{K: "iter", V: e.Iter})
	}
	if e.Shard != "" {
		kvs = append(kvs, log.KV{K: "shard", V: e.Shard})
		kvs = append(kvs, log.KV{K: "fanin", V: mirror.FaninCount(int64(id), engine.LoopID(int64(id), e.Step))})
	}
	if e.Error != nil {
		kvs = append(kvs, log.KV{K: "error", V: e.Error.Error()})
	}
	log.Print(ctx, kvs...)
}
