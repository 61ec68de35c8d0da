package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/crossrate/tradecap/runtime"
)

const iniFilename = "tradecap.ini"

// Config is the top-level configuration object of a tradecap router.
var Config = new(runtime.RouterConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("tradecap-router configuration")

	var args = runtime.Args{
		Tasks:    task.NewGroup(context.Background()),
		Etcd:     Config.Etcd.MustDial(),
		Journals: Config.Broker.MustRoutedJournalClient(context.Background()),
	}
	if _, err := runtime.StartRouter(*Config, args); err != nil {
		return fmt.Errorf("starting router: %w", err)
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	args.Tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			args.Tasks.Cancel()
			return nil
		case <-args.Tasks.Context().Done():
			return nil
		}
	})
	args.Tasks.GoRun()

	if err := args.Tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as tradecap router", `
Consume the trade-capture ingress topic and republish each message to its
partition subtopic, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
