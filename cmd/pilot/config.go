// Copyright 2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// This file implements the configuration block for the pilot.  Settings come from an
// optional TOML file and are then overridden by any command line option, or its
// environment variable equivalent, that was explicitly set.

import (
	"flag"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/leaf-ai/go-pilot/internal/copytool"
	"github.com/leaf-ai/go-pilot/internal/eventservice"
	"github.com/leaf-ai/go-pilot/internal/report"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ReporterConfig selects where job state changes are sent, the log is always used
type ReporterConfig struct {
	AMQP     string `toml:"amqp"`
	Exchange string `toml:"exchange"`
	File     string `toml:"file"`
}

// EventServiceConfig describes an event service payload
type EventServiceConfig struct {
	Enabled   bool   `toml:"enabled"`
	Payload   string `toml:"payload"`
	Ranges    string `toml:"ranges"`
	Results   string `toml:"results"`
	Channel   string `toml:"channel"`
	Context   string `toml:"context"`
	BatchSize int    `toml:"batch_size"`
}

// Config is the complete set of pilot settings
type Config struct {
	Site      string `toml:"site"`
	Copytool  string `toml:"copytool"`
	MaxOutput string `toml:"max_output"`

	Transfer     copytool.Config    `toml:"transfer"`
	Reporter     ReporterConfig     `toml:"reporter"`
	EventService EventServiceConfig `toml:"event_service"`
}

// DefaultConfig is used for anything the configuration file leaves out
func DefaultConfig() (cfg *Config) {
	return &Config{
		Copytool:  "local",
		MaxOutput: "16MiB",
		Transfer: copytool.Config{
			Endpoints: map[string]copytool.Endpoint{},
			Retries:   2,
		},
		Reporter: ReporterConfig{
			Exchange: report.DefaultExchange,
		},
		EventService: EventServiceConfig{
			Channel:   eventservice.DefaultChannel,
			Context:   eventservice.DefaultContext,
			BatchSize: 1,
		},
	}
}

// LoadConfig reads the TOML file over the defaults, keys the pilot does not
// recognize are treated as errors
//
func LoadConfig(fn string) (cfg *Config, err kv.Error) {
	cfg = DefaultConfig()
	if len(fn) == 0 {
		return cfg, nil
	}

	md, errGo := toml.DecodeFile(os.ExpandEnv(fn), cfg)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file", fn, "stack", stack.Trace().TrimRuntime())
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, kv.NewError("unrecognized configuration").With("file", fn, "keys", strings.Join(keys, ","), "stack", stack.Trace().TrimRuntime())
	}
	return cfg, nil
}

// Override applies the value of a single named command line option
func (cfg *Config) Override(name string, value string) (err kv.Error) {
	value = os.ExpandEnv(value)

	switch name {
	case "site":
		cfg.Site = value
	case "copytool":
		cfg.Copytool = value
	case "max-output":
		cfg.MaxOutput = value
	case "retries":
		retries, errGo := strconv.Atoi(value)
		if errGo != nil {
			return kv.Wrap(errGo).With("option", name, "value", value, "stack", stack.Trace().TrimRuntime())
		}
		cfg.Transfer.Retries = retries
	case "amqp-report":
		cfg.Reporter.AMQP = value
	case "amqp-exchange":
		cfg.Reporter.Exchange = value
	case "report-file":
		cfg.Reporter.File = value
	case "es":
		enabled, errGo := strconv.ParseBool(value)
		if errGo != nil {
			return kv.Wrap(errGo).With("option", name, "value", value, "stack", stack.Trace().TrimRuntime())
		}
		cfg.EventService.Enabled = enabled
	case "es-payload":
		cfg.EventService.Payload = value
	case "es-ranges":
		cfg.EventService.Ranges = value
	case "es-results":
		cfg.EventService.Results = value
	case "es-channel":
		cfg.EventService.Channel = value
	case "es-context":
		cfg.EventService.Context = value
	case "es-batch":
		batch, errGo := strconv.Atoi(value)
		if errGo != nil {
			return kv.Wrap(errGo).With("option", name, "value", value, "stack", stack.Trace().TrimRuntime())
		}
		cfg.EventService.BatchSize = batch
	}
	return nil
}

// applyFlags overrides the configuration with the options that were set
func (cfg *Config) applyFlags(fs *flag.FlagSet) (errs []kv.Error) {
	fs.Visit(func(f *flag.Flag) {
		if err := cfg.Override(f.Name, f.Value.String()); err != nil {
			errs = append(errs, err)
		}
	})
	return errs
}

// MaxOutputBytes is the humanized output limit in bytes
func (cfg *Config) MaxOutputBytes() (max int64, err kv.Error) {
	if len(cfg.MaxOutput) == 0 {
		return 0, nil
	}
	size, errGo := humanize.ParseBytes(cfg.MaxOutput)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("max_output", cfg.MaxOutput, "stack", stack.Trace().TrimRuntime())
	}
	return int64(size), nil
}

// Validate gathers every problem with the configuration rather than stopping at the first
func (cfg *Config) Validate() (errs []kv.Error) {
	errs = []kv.Error{}

	if _, err := cfg.MaxOutputBytes(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(cfg.Copytool) {
	case "", "local", "gfal", "gfal-copy", "s3", "minio":
	default:
		errs = append(errs, kv.NewError("unknown copy tool").With("copytool", cfg.Copytool, "stack", stack.Trace().TrimRuntime()))
	}
	if cfg.Transfer.Retries < 1 {
		errs = append(errs, kv.NewError("retries must be at least one").With("retries", cfg.Transfer.Retries, "stack", stack.Trace().TrimRuntime()))
	}

	es := cfg.EventService
	if es.Enabled {
		if len(es.Ranges) == 0 {
			errs = append(errs, kv.NewError("event service jobs need an event range file").With("stack", stack.Trace().TrimRuntime()))
		}
		if len(es.Channel) == 0 {
			errs = append(errs, kv.NewError("event service channel name missing").With("stack", stack.Trace().TrimRuntime()))
		}
		if es.BatchSize < 1 {
			errs = append(errs, kv.NewError("event range batch size must be at least one").With("batch_size", es.BatchSize, "stack", stack.Trace().TrimRuntime()))
		}
	}
	return errs
}
