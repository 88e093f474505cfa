// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/leaf-ai/go-pilot/internal/job"
	"github.com/leaf-ai/go-pilot/internal/process"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/karlmutch/envflag"
	"github.com/tebeka/atexit"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

var (
	// Spew contains the process wide configuration preferences for the structure dumping
	// package
	Spew *spew.ConfigState

	buildTime string
	gitHash   string

	logger = log.NewLogger("pilot")

	jobOpt      = flag.String("job", "pandaJobData.out", "the file containing the job description as sent by the job dispatcher")
	workDirOpt  = flag.String("working-dir", setWorkDir(), "the working directory for the job when the job description does not name one, defaults to the current directory")
	configOpt   = flag.String("config", "", "an optional TOML file with the storage endpoints, copy tool, and reporter settings")
	debugOpt    = flag.Bool("debug", false, "print the effective configuration and internal execution information")
	promAddrOpt = flag.String("prom-address", "", "the address for the prometheus http server, empty to disable, port 0 selects a free port")

	// The following options override the configuration file when they are set
	_ = flag.String("site", "", "the name of the site the pilot runs at, used when naming the log tarball")
	_ = flag.String("copytool", "local", "the copy tool used for transfers, one of gfal, s3, minio, or local")
	_ = flag.String("max-output", "16MiB", "the most output retained from each external command using SI or IEC units, for example 512kb, 16mib")
	_ = flag.Int("retries", 2, "the number of attempts made for a transfer that times out")
	_ = flag.String("amqp-report", "", "an amqp:// URL for the broker job state changes are published to")
	_ = flag.String("amqp-exchange", "pilot", "the topic exchange job state changes are published to")
	_ = flag.String("report-file", "", "a file job state changes are appended to as JSON lines")
	_ = flag.Bool("es", false, "run the payload as an event service payload")
	_ = flag.String("es-payload", "", "the event service payload command, defaults to the job payload")
	_ = flag.String("es-ranges", "", "the file holding the JSON array of event ranges to be processed")
	_ = flag.String("es-results", "", "a file the results of processed event ranges are appended to")
	_ = flag.String("es-channel", "EventService_EventRanges", "the name of the message channel shared with the payload")
	_ = flag.String("es-context", "local", "the transport for the message channel, local, unix:///path, or an amqp:// URL")
	_ = flag.Int("es-batch", 1, "the number of event ranges handed to the payload for each request")
)

func init() {
	Spew = spew.NewDefaultConfig()

	Spew.Indent = "    "
	Spew.SortKeys = true
}

func setWorkDir() (dir string) {
	if dir, errGo := os.Getwd(); errGo == nil {
		return dir
	}
	return os.TempDir()
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      grid job pilot      ", gitHash, "    ", buildTime)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options can be read for environment variables by changing dashes '-' to underscores")
	fmt.Fprintln(os.Stderr, "and using upper case letters.  Options that are set take precedence over the")
	fmt.Fprintln(os.Stderr, "configuration file.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "To control log levels the LOGXI env variables can be used, these are documented at https://github.com/mgutz/logxi")
}

// Go runtime entry point for production builds.  This function acts as an alias
// for the main.Main function.  This allows testing and code coverage features of
// go to invoke the logic within the command main without skipping important
// runtime initialization steps.
//
func main() {
	Main()
}

// Main parses the options, runs the job, and exits with a non zero status if the
// job could not be completed
//
func Main() {

	fmt.Printf("%s built at %s, against commit id %s\n", os.Args[0], buildTime, gitHash)

	flag.Usage = usage

	// Use the go options parser to load command line options that have been set, and look
	// for these options inside the env variable table
	//
	envflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	atexit.Register(cancel)

	exitCode := 0
	if errs := EntryPoint(ctx, cancel); len(errs) != 0 {
		for _, err := range errs {
			logger.Error(err.Error())
		}
		exitCode = -1
	}

	// Runs the registered cleanups, releasing the job lock and broker connections
	atexit.Exit(exitCode)
}

// watchSignals cancels the context when the pilot is asked to stop, this reaches the
// payload and any copy tool through their supervisors
//
func watchSignals(ctx context.Context, cancel context.CancelFunc) {
	stopC := make(chan os.Signal, 1)

	go func() {
		defer cancel()
		select {
		case sig := <-stopC:
			logger.Warn("signal seen, stopping", "signal", sig.String())
		case <-ctx.Done():
		}
		signal.Stop(stopC)
	}()

	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
}

// loadJob gathers the configuration and job description, all problems found are
// returned together
//
func loadJob() (cfg *Config, j *job.Job, errs []kv.Error) {
	errs = []kv.Error{}

	cfg, err := LoadConfig(*configOpt)
	if err != nil {
		errs = append(errs, err)
		cfg = DefaultConfig()
	}
	errs = append(errs, cfg.applyFlags(flag.CommandLine)...)
	errs = append(errs, cfg.Validate()...)

	workDir, errGo := filepath.Abs(os.ExpandEnv(*workDirOpt))
	if errGo != nil {
		errs = append(errs, kv.Wrap(errGo).With("working-dir", *workDirOpt, "stack", stack.Trace().TrimRuntime()))
	}
	if j, err = job.Load(os.ExpandEnv(*jobOpt), workDir); err != nil {
		errs = append(errs, err)
		return cfg, nil, errs
	}
	if fi, errGo := os.Stat(j.WorkDir); errGo != nil || !fi.IsDir() {
		errs = append(errs, kv.NewError("working directory unavailable").With("dir", j.WorkDir, "stack", stack.Trace().TrimRuntime()))
	}
	return cfg, j, errs
}

// EntryPoint enables both test and standard production infrastructure to
// invoke this command.
//
func EntryPoint(ctx context.Context, cancel context.CancelFunc) (errs []kv.Error) {

	watchSignals(ctx, cancel)

	cfg, j, errs := loadJob()

	// Now check for any fatal errors before allowing the system to continue.  This allows
	// all errors that could have occurred as a result of incorrect options to be flushed
	// out rather than having a frustrating single failure at a time loop for users
	// to fix things
	//
	if len(errs) != 0 {
		return errs
	}

	if *debugOpt {
		logger.Debug("configuration", "config", Spew.Sdump(cfg))
	}

	// One pilot per job on a host
	excl, err := process.NewExclusive("pilot-" + j.ID)
	if err != nil {
		return []kv.Error{kv.NewError("a pilot for this job is already running").With("job", j.ID, "error", err.Error(), "stack", stack.Trace().TrimRuntime())}
	}
	atexit.Register(excl.Release)

	if _, err = runPrometheus(ctx, *promAddrOpt); err != nil {
		return []kv.Error{err}
	}

	p, err := newPilot(cfg)
	if err != nil {
		return []kv.Error{err}
	}
	atexit.Register(p.Close)

	logger.Info("job starting", "job", j.ID, "dir", j.WorkDir, "site", cfg.Site, "copytool", cfg.Copytool, "event_service", cfg.EventService.Enabled)

	if err = p.Run(ctx, j); err != nil {
		return []kv.Error{err.With("job", j.ID)}
	}

	logger.Info("job finished", "job", j.ID)
	return nil
}
