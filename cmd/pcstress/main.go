// pcstress hammers a filesystem with concurrent reads, writes,
// truncations, fsyncs, checkpoints and reclaim and prints what happened.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sahib/f2cache/defaults"
	"github.com/sahib/f2cache/stats"
	colorlog "github.com/sahib/f2cache/util/log"
	"github.com/sahib/f2cache/vfs"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	// Success is the same as EXIT_SUCCESS in C
	Success = iota

	// BadArgs passed to cli; not our fault.
	BadArgs

	// Corruption means that data read back was not what was written.
	Corruption
)

func serveMetrics(addr string, fs *vfs.Filesystem) error {
	if err := stats.Register(prometheus.DefaultRegisterer, fs.Counters(), fs.Pool()); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Warnf("metrics server stopped")
		}
	}()

	log.Infof("serving metrics on http://%s/metrics", addr)
	return nil
}

func handleStress(ctx *cli.Context) error {
	if err := colorlog.Setup(os.Stderr, ctx.GlobalString("log-level")); err != nil {
		return cli.NewExitError(err, BadArgs)
	}

	cfg, err := defaults.OpenConfig(ctx.GlobalString("config"))
	if err != nil {
		return cli.NewExitError(err, BadArgs)
	}

	if backend := ctx.String("store"); backend != "" {
		if err := cfg.SetString("store.backend", backend); err != nil {
			return cli.NewExitError(err, BadArgs)
		}
	}

	fs, err := vfs.Open(cfg)
	if err != nil {
		return err
	}

	if addr := ctx.String("metrics-addr"); addr != "" {
		if err := serveMetrics(addr, fs); err != nil {
			fs.Close()
			return err
		}
	}

	run := &stressRun{
		fs:           fs,
		workers:      ctx.Int("workers"),
		duration:     ctx.Duration("duration"),
		maxFileSize:  ctx.Int64("max-file-size"),
		syncInterval: ctx.Duration("sync-interval"),
	}

	log.Infof("running %d workers for %v", run.workers, run.duration)
	result := run.Run()
	printResult(result, fs)

	closeErr := fs.Close()
	if result.Corrupted > 0 {
		return cli.NewExitError(
			fmt.Sprintf("%d reads returned wrong data", result.Corrupted),
			Corruption,
		)
	}

	return closeErr
}

func main() {
	app := cli.NewApp()
	app.Name = "pcstress"
	app.Usage = "Stress test for the page cache"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config,c",
			Usage:  "Path of a config.yml; defaults are used if not given",
			EnvVar: "F2CACHE_CONFIG",
		},
		cli.StringFlag{
			Name:   "log-level,l",
			Usage:  "One of debug, info, warning or error",
			Value:  "info",
			EnvVar: "F2CACHE_LOG_LEVEL",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Run the stress test",
			Action: handleStress,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "workers,w",
					Usage: "Number of concurrent workers",
					Value: 8,
				},
				cli.DurationFlag{
					Name:  "duration,d",
					Usage: "How long to run",
					Value: 10 * time.Second,
				},
				cli.Int64Flag{
					Name:  "max-file-size,s",
					Usage: "Max size of a single file in bytes",
					Value: 1024 * 1024,
				},
				cli.DurationFlag{
					Name:  "sync-interval",
					Usage: "How often a checkpoint is written",
					Value: 500 * time.Millisecond,
				},
				cli.StringFlag{
					Name:  "store",
					Usage: "Override store.backend (memory or badger)",
				},
				cli.StringFlag{
					Name:  "metrics-addr,m",
					Usage: "Serve prometheus metrics on this address (e.g. localhost:9090)",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
