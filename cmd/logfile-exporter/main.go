// Command logfile-exporter watches a small set of log files and exposes
// per-line metrics over HTTP for a pull-based scraper, the way
// original_source/logfile_exporter.py's run() entrypoint did.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/quinox/logfile-exporter/examples/handlers"
	"github.com/quinox/logfile-exporter/internal/eventloop"
	"github.com/quinox/logfile-exporter/internal/eventsource"
	"github.com/quinox/logfile-exporter/internal/httpexpo"
	"github.com/quinox/logfile-exporter/internal/levellog"
	"github.com/quinox/logfile-exporter/internal/tailer"
	"github.com/quinox/logfile-exporter/internal/testrunner"
)

// exitTestFailure is returned by run() when -t strict or -t run-then-quit
// finds a handler self-test failure, per §6's exit code table.
const exitTestFailure = 9

// tailerSource pairs the Event Source's descriptor with the engine's Tick,
// so the event loop ticks the engine whenever inotify has events pending.
type tailerSource struct {
	*eventsource.Source
	*tailer.Engine
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("logfile-exporter", pflag.ContinueOnError)

	var verbose, quiet int
	flags.CountVarP(&verbose, "verbose", "v", "lower the log threshold (repeatable)")
	flags.CountVarP(&quiet, "quiet", "q", "raise the log threshold (repeatable)")
	port := flags.IntP("port", "p", 9123, "HTTP listen port")
	offline := flags.BoolP("offline", "o", false, "run against existing files instead of tailing live (unimplemented)")
	testcases := flags.StringP("testcases", "t", "skip", "run handler self-tests: skip, strict, run, run-then-quit")
	maxPolls := flags.Int("max-polls", -1, "stop after N event loop iterations (-1: run forever)")
	flags.MarkHidden("max-polls")

	if err := flags.Parse(args); err != nil {
		return configurationError(err)
	}
	switch *testcases {
	case "skip", "strict", "run", "run-then-quit":
	default:
		return configurationError(fmt.Errorf("invalid --testcases %q", *testcases))
	}

	log := levellog.New(levellog.FromVerbosity(verbose, quiet))
	runID := uuid.New()
	log.Infof("starting logfile-exporter, run=%s", runID)

	if *offline {
		log.Infof("--offline is not implemented in this core; see original_source run_offline for the reference behavior")
		return 0
	}

	registry := prometheus.NewRegistry()
	handlerLog := log.Sublogger("handlers")

	candidates := []any{
		handlers.NewLineCounter(registry, "/var/log/syslog"),
		handlers.NewLetterCounter(registry, "/var/log/syslog"),
		handlers.NewPrintingLineHandler("/var/log/syslog", handlerLog),
		handlers.NewLineCounter(registry, "/var/log/auth.log"),
	}

	if *testcases != "skip" {
		results := testrunner.Run(candidates, log.Sublogger("testrunner"))
		failed := false
		for _, r := range results {
			if r.Failed() {
				failed = true
			}
		}
		if *testcases == "run-then-quit" {
			if failed {
				return exitTestFailure
			}
			return 0
		}
		if *testcases == "strict" && failed {
			log.Errorf("handler self-tests failed, aborting before any tailing starts")
			return exitTestFailure
		}
	}

	pollCount := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pollcount",
		Help: "Nr. of event loop iterations",
	})
	registry.MustRegister(pollCount)

	source, err := eventsource.New()
	if err != nil {
		log.Errorf("initializing event source: %v", err)
		return 1
	}
	defer source.Close()

	engine := tailer.New(source, log.Sublogger("tailer"))
	for _, c := range candidates {
		h, ok := c.(tailer.Handler)
		if !ok {
			continue
		}
		path := pathFor(c)
		if err := engine.Register(path, h); err != nil {
			log.Errorf("registering %T for %s: %v", c, path, err)
			return 1
		}
		log.Infof("registered %T for %s", c, path)
	}

	exposition := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	httpSrv, err := httpexpo.New(*port, exposition, log.Sublogger("http"))
	if err != nil {
		log.Errorf("starting HTTP exposition server: %v", err)
		return 1
	}
	defer httpSrv.Close()
	log.Infof("Now listening for HTTP requests on port %d", httpSrv.Port())

	loop, err := eventloop.New(tailerSource{source, engine}, httpSrv, pollCount, log.Sublogger("eventloop"), *maxPolls)
	if err != nil {
		log.Errorf("starting event loop: %v", err)
		return 1
	}
	defer loop.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		log.Errorf("event loop: %v", err)
		return 1
	}
	log.Infof("Terminating program.")
	return 0
}

// pathFor recovers the filename a demonstration handler was constructed
// with, so Register knows which file it belongs to. A real deployment
// would carry (path, handler) pairs explicitly; examples/handlers' types
// all expose Name() with the filename embedded for exactly this purpose.
func pathFor(c any) string {
	type named interface{ Name() string }
	n, ok := c.(named)
	if !ok {
		return ""
	}
	s := n.Name()
	start := -1
	for i, r := range s {
		if r == '(' {
			start = i + 1
		}
		if r == ')' && start != -1 {
			return s[start:i]
		}
	}
	return ""
}

func configurationError(err error) int {
	fmt.Fprintf(os.Stderr, "logfile-exporter: %v\n", err)
	return 1
}
