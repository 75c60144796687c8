// Command gomaked is the engine daemon (components F/G/H/I): it loads the
// rule set, opens the persistent store, starts the Job<->Engine and
// control-plane RPC listeners, and drives one Req to completion for the
// targets given on the command line (§4.H, §6 CLI surface).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/gomake/gomake/internal/backend"
	"github.com/gomake/gomake/internal/cache"
	"github.com/gomake/gomake/internal/config"
	"github.com/gomake/gomake/internal/engine"
	"github.com/gomake/gomake/internal/lifecycle"
	"github.com/gomake/gomake/internal/makestate"
	"github.com/gomake/gomake/internal/req"
	"github.com/gomake/gomake/internal/rpc"
	"github.com/gomake/gomake/internal/store"
)

func main() {
	adminDir := flag.String("admin-dir", ".gomake", "engine bookkeeping directory")
	repoRoot := flag.String("repo-root", ".", "repository root jobs run relative to")
	rulesDir := flag.String("rules-dir", "rules", "directory of *.rule.yaml rule files")
	listenAddr := flag.String("listen", "127.0.0.1:0", "Job<->Engine RPC listen address")
	jobExecPath := flag.String("job-exec", "gomake-job", "path to the cmd/gomake-job binary")
	cacheDir := flag.String("cache-dir", "", "content-addressed artifact cache directory, empty disables it")
	cpu := flag.Uint("cpu", 4, "local backend CPU token pool")
	memMB := flag.Uint("mem-mb", 4096, "local backend memory pool, MB")
	tmpMB := flag.Uint("tmp-mb", 4096, "local backend tmp-space pool, MB")
	heartbeat := flag.Duration("heartbeat", 2*time.Second, "backend heartbeat interval")
	clusterSubmit := flag.String("cluster-submit-cmd", "", "external scheduler submit command, space-separated; enables the cluster backend")
	clusterStatus := flag.String("cluster-status-cmd", "", "external scheduler status command, space-separated")
	clusterCancel := flag.String("cluster-cancel-cmd", "", "external scheduler cancel command, space-separated")
	clusterCPU := flag.Uint("cluster-cpu", 0, "cluster backend CPU token pool")
	clusterMemMB := flag.Uint("cluster-mem-mb", 0, "cluster backend memory pool, MB")
	clusterTmpMB := flag.Uint("cluster-tmp-mb", 0, "cluster backend tmp-space pool, MB")
	liveOut := flag.Bool("live-out", true, "stream job output as it's produced")
	keepTmp := flag.Bool("keep-tmp", false, "keep per-job tmp directories after a run")
	verbose := flag.Bool("v", false, "verbose Req reporting")
	flag.Parse()

	targets := flag.Args()
	if len(targets) == 0 {
		log.Fatal("gomaked: at least one target is required")
	}

	repoAbs, err := filepath.Abs(*repoRoot)
	if err != nil {
		log.Fatalf("gomaked: repo root: %v", err)
	}
	adminAbs, err := filepath.Abs(*adminDir)
	if err != nil {
		log.Fatalf("gomaked: admin dir: %v", err)
	}

	st, err := store.Open(filepath.Join(adminAbs, "store"))
	if err != nil {
		log.Fatalf("gomaked: open store: %v", err)
	}
	lifecycle.RegisterAtExit(st.Close)

	var artifactCache *cache.Cache
	if *cacheDir != "" {
		artifactCache, err = cache.Open(*cacheDir)
		if err != nil {
			log.Fatalf("gomaked: open cache: %v", err)
		}
	}

	eng, err := engine.New(engine.Config{
		AdminDir: adminAbs,
		RepoRoot: repoAbs,
		Store:    st,
		Loader:   config.YAMLLoader{Dir: *rulesDir},
		Cache:    artifactCache,
		Logger:   log.New(os.Stderr, "gomaked: ", log.LstdFlags),
	})
	if err != nil {
		log.Fatalf("gomaked: %v", err)
	}

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("gomaked: listen: %v", err)
	}
	eng.SetListenAddr(lis.Addr().String())

	pool := backend.NewPool(uint32(*cpu), uint32(*memMB), uint32(*tmpMB))
	local := backend.NewLocal(*jobExecPath)
	sched := backend.NewScheduler(local, pool, eng)
	eng.AddBackend("local", sched)

	server := grpc.NewServer()
	rpc.RegisterEngineServer(server, rpc.EngineAdapter{Engine: eng})
	rpc.RegisterControlServer(server, rpc.ControlAdapter{Engine: eng})
	lifecycle.RegisterAtExit(func() error { server.GracefulStop(); return nil })

	ctx, cancel := lifecycle.InterruptibleContext()
	defer cancel()

	go func() {
		if err := server.Serve(lis); err != nil {
			log.Printf("gomaked: rpc serve: %v", err)
		}
	}()
	go eng.Run(ctx)
	go sched.RunHeartbeat(ctx, *heartbeat)

	if *clusterSubmit != "" {
		cluster := backend.NewCluster(
			strings.Fields(*clusterSubmit),
			strings.Fields(*clusterStatus),
			strings.Fields(*clusterCancel),
		)
		clusterPool := backend.NewPool(uint32(*clusterCPU), uint32(*clusterMemMB), uint32(*clusterTmpMB))
		clusterSched := backend.NewScheduler(cluster, clusterPool, eng)
		eng.AddBackend("cluster", clusterSched)
		go clusterSched.RunHeartbeat(ctx, *heartbeat)
	}

	reqID, err := eng.OpenReq(req.Options{
		Targets: targets,
		LiveOut: *liveOut,
		KeepTmp: *keepTmp,
		Verbose: *verbose,
	})
	if err != nil {
		log.Fatalf("gomaked: open req: %v", err)
	}

	waitForReq(ctx, eng, reqID)

	summary, cycle, err := eng.CloseReq(reqID)
	if err != nil {
		log.Fatalf("gomaked: close req: %v", err)
	}
	fmt.Print(summary)
	if cycle != "" {
		fmt.Print(cycle)
	}

	cancel()
	if err := lifecycle.RunAtExit(); err != nil {
		log.Printf("gomaked: shutdown: %v", err)
	}
}

// waitForReq polls the Req's synthetic-job analysis level until make() has
// finished and no jobs remain in flight for it. Polling (rather than a
// completion channel) keeps this CLI driver entirely outside Engine's
// closure-queue contract, matching how cmd/gomaked is just one more
// external caller of the Status RPC's in-process twin.
func waitForReq(ctx context.Context, eng *engine.Engine, id req.ID) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			level, running, err := eng.Status(ctx, uint64(id))
			if err != nil {
				return
			}
			if level >= int32(makestate.LevelDone) && running == 0 {
				return
			}
		}
	}
}
