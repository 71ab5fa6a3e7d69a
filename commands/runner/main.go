// Run one annotation job: invoke the annotation executable on the staged
// input, then hand the finished job to the completion handler. The
// dispatcher launches one runner process per job and does not wait for it.
package main

import (
	"context"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/anserbio/annex/config"
	"github.com/anserbio/annex/queue"
	"github.com/anserbio/annex/services"
	"github.com/anserbio/annex/setup"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: annex-runner <input-path>")
	}
	inputPath := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	setup.Observability("runner")
	if cfg.AnnToolPath == "" {
		log.Fatal("No value provided for ANN_TOOL_PATH")
	}

	// The annotation executable is a black box: one positional argument,
	// and it deposits the result and log files next to the input.
	cmd := exec.Command(cfg.AnnToolPath, inputPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.WithError(err).Fatalf("annotation tool failed for %s", inputPath)
	}

	records, err := setup.Records(cfg)
	if err != nil {
		log.Fatal(err)
	}
	js, err := setup.JetStream(cfg)
	if err != nil {
		log.Fatal(err)
	}
	objects, err := setup.Objects(cfg)
	if err != nil {
		log.Fatal(err)
	}

	completer := services.NewCompleter(cfg, records, objects, queue.New(js), setup.Profiles(cfg))
	if err := completer.Run(context.Background(), inputPath); err != nil {
		log.WithError(err).Fatalf("completion failed for %s", inputPath)
	}
}
