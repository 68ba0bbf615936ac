// Package main provides the pipeprop CLI.
//
// Usage:
//
//	pipeprop run -config run.yaml              all ranks in this process
//	pipeprop worker -config run.yaml -rank 1   one rank of a TCP pipeline
//	pipeprop version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeprop/internal/config"
	"github.com/born-ml/pipeprop/internal/dist"
	"github.com/born-ml/pipeprop/internal/pipeline"
)

const version = "v0.1.0-dev"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `pipeprop %s - pipeline-parallel training with two-phase backprop

Commands:
  run      -config FILE [-resume]        run every rank as a goroutine
  worker   -config FILE -rank N [-resume] run one rank over TCP
  version                                 show version

Global flags:
`, version)
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "version":
		fmt.Printf("pipeprop %s\n", version)
		return
	case "run":
		err = runCmd(ctx, args)
	case "worker":
		err = workerCmd(ctx, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		klog.Exitf("%s: %v", flag.Arg(0), err)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "pipeprop.yaml", "run configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	resume := fs.Bool("resume", false, "restore every rank from its checkpoint first")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if cfg.Pipeline.Transport != config.TransportLocal {
		return errors.Errorf("transport %q needs one worker per rank", cfg.Pipeline.Transport)
	}
	return runLocal(ctx, cfg, *resume)
}

// runLocal trains cfg with every rank in this process.
func runLocal(ctx context.Context, cfg *config.Config, resume bool) error {
	klog.Infof("%s: %d ranks, session %s", cfg.Name, cfg.Pipeline.WorldSize, cfg.Pipeline.Session)

	var (
		mu   sync.Mutex
		last report
	)
	err := pipeline.RunLocal(ctx, cfg.Pipeline.WorldSize, func(ctx context.Context, tr dist.Transport) error {
		rep, err := train(ctx, cfg, tr, resume)
		if rep.HasLoss {
			mu.Lock()
			last = rep
			mu.Unlock()
		}
		return err
	})
	if err != nil {
		return err
	}
	klog.Infof("%s: %d steps done, final loss %.6f", cfg.Name, last.Steps, last.LastLoss)
	return nil
}

func workerCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	rank := fs.Int("rank", 0, "rank of this worker")
	resume := fs.Bool("resume", false, "restore from this rank's checkpoint first")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if cfg.Pipeline.Transport != config.TransportTCP {
		return errors.Errorf("worker needs transport %q, config has %q", config.TransportTCP, cfg.Pipeline.Transport)
	}
	if *rank < 0 || *rank >= cfg.Pipeline.WorldSize {
		return errors.Errorf("rank %d outside world of %d", *rank, cfg.Pipeline.WorldSize)
	}

	tcfg := dist.DefaultTCPConfig(*rank, cfg.Pipeline.Addresses, cfg.SessionID())
	tcfg.DialTimeout = cfg.Pipeline.DialTimeout
	tr, err := dist.DialTCP(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()
	klog.Infof("rank %d/%d connected, session %s", *rank, cfg.Pipeline.WorldSize, cfg.Pipeline.Session)

	rep, err := train(ctx, cfg, tr, *resume)
	if err != nil {
		return err
	}
	if rep.HasLoss {
		klog.Infof("rank %d: %d steps done, final loss %.6f", *rank, rep.Steps, rep.LastLoss)
	}
	return nil
}
