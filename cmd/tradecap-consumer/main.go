package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/crossrate/tradecap/runtime"
)

const iniFilename = "tradecap.ini"

// Config is the top-level configuration object of a tradecap consumer.
var Config = new(runtime.ConsumerConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("tradecap-consumer configuration")

	// The jms provider is fully in-process and needs no journal client.
	var journals pb.RoutedJournalClient
	if Config.Messaging.Provider == "log" {
		journals = Config.Broker.MustRoutedJournalClient(context.Background())
	}
	var args = runtime.Args{
		Tasks:    task.NewGroup(context.Background()),
		Etcd:     Config.Etcd.MustDial(),
		Journals: journals,
	}
	var consumer, err = runtime.StartConsumer(*Config, args)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	defer consumer.Store.Close()

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

	if err = args.Tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as tradecap consumer", `
Consume partition subtopics and run each trade-capture message through the
enrichment, rules, validation, approval and persistence pipeline, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
