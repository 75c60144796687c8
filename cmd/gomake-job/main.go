// Command gomake-job is the job-exec launcher (component E), spawned by
// internal/backend.Local as a child process of the engine (§4.G "Local:
// jobs are spawned as child processes of the engine's job-exec-launcher").
// It dials back to the engine over the Job<->Engine RPC, identifying
// itself by the small_id its parent passed in GOMAKE_SMALL_ID, and runs
// exactly one job's §4.E lifecycle before exiting.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"

	"google.golang.org/grpc"

	"github.com/gomake/gomake/internal/jobexec"
	"github.com/gomake/gomake/internal/rpc"
	"github.com/gomake/gomake/internal/sandbox"
)

func main() {
	connect := flag.String("connect", "", "engine Job<->Engine RPC address (host:port)")
	flag.Parse()

	if *connect == "" {
		log.Fatal("gomake-job: -connect is required")
	}
	smallID, err := strconv.ParseUint(os.Getenv("GOMAKE_SMALL_ID"), 10, 32)
	if err != nil {
		log.Fatalf("gomake-job: bad or missing GOMAKE_SMALL_ID: %v", err)
	}

	cc, err := grpc.Dial(*connect, grpc.WithInsecure())
	if err != nil {
		log.Fatalf("gomake-job: dial %s: %v", *connect, err)
	}
	defer cc.Close()

	client := rpc.NewEngineClient(cc, uint32(smallID))
	sup := jobexec.NewSupervisor(client, sandbox.NewDirGuard())

	ctx := context.Background()
	if err := sup.Run(ctx, int(smallID)); err != nil {
		log.Fatalf("gomake-job: %v", err)
	}
}
