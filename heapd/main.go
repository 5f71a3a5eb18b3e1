// Command heapd runs a heap with its admin server. With -mutators it also
// runs a synthetic workload so the collectors have something to do.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gengc/admin"
	"gengc/config"
	"gengc/heap"
	"gengc/layout"
)

func main() {
	var (
		path     = flag.String("config", "", "TOML or YAML configuration file")
		addr     = flag.String("addr", "", "admin listen address, overrides the configuration")
		scheme   = flag.String("scheme", "", "heap scheme: semispace or genss")
		verbose  = flag.Bool("verbose", false, "log sizing decisions and collections")
		mutators = flag.Int("mutators", 0, "number of synthetic mutator threads")
	)
	flag.Parse()

	var opts []config.Option
	if *addr != "" {
		opts = append(opts, config.WithAdmin(*addr))
	}
	if *scheme != "" {
		opts = append(opts, config.WithScheme(*scheme))
	}
	if *verbose {
		opts = append(opts, config.WithVerbose(false, false))
	}
	cfg, err := load(*path, opts...)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Admin.Addr == "" {
		log.Fatal("heapd: no admin address, use -addr or admin.addr")
	}

	h, err := heap.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	srv := admin.New(h, cfg.Admin)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	node := h.Hubs().DefineTuple("node", 2, 0)
	for i := 0; i < *mutators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := mutate(ctx, h, node, fmt.Sprintf("mutator-%d", i)); err != nil {
				log.Printf("heapd: mutator %d: %v", i, err)
			}
		}(i)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err = <-errc:
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(shutdown)
		cancel()
	}
	stop()
	wg.Wait()
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal(err)
	}
}

func load(path string, opts ...config.Option) (config.Config, error) {
	if path == "" {
		c := config.New(opts...)
		return c, c.Validate()
	}
	return config.Load(path, opts...)
}

// mutate keeps a bounded list of recent nodes alive and drops the rest. On
// running out of memory it drops the list and collects, and gives up if that
// did not take the heap out of the safety zone.
func mutate(ctx context.Context, h *heap.Heap, node *layout.Hub, name string) error {
	th := h.AttachThread(name)
	defer th.Detach()
	const keep = 4096
	list := th.NewHandle(0)
	length := 0
	for n := uint64(0); ctx.Err() == nil; n++ {
		cell, err := th.NewTuple(node)
		if errors.Is(err, heap.ErrOutOfMemory) {
			// Failing again before the safety zone is back would be fatal.
			th.Set(list, 0)
			length = 0
			th.CollectGarbage(0)
			if h.InSafetyZone() {
				return fmt.Errorf("%s stopped: %w", name, err)
			}
			continue
		}
		if err != nil {
			return err
		}
		th.WriteWord(cell, 1, n)
		if n%8 != 0 {
			continue
		}
		th.WriteRef(cell, 0, th.Get(list))
		th.Set(list, cell)
		if length++; length == keep {
			th.Set(list, 0)
			length = 0
		}
	}
	return nil
}
