// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sbootil/sbootil/proto"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// newLogger returns a logfmt logger on w filtered at logLevel. Stdout is
// left to device listings and console output.
func newLogger(w io.Writer, logLevel string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, proto.NewConfigurationError("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		v:      viper.New(),
		fs:     afero.NewOsFs(),
		reg:    r,
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: log.NewNopLogger(),
	}
	root := newRootCommand(a)

	var g run.Group
	{
		// Run the command.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return root.ExecuteContext(ctx)
		}, func(error) {
			cancel()
			a.interrupt()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = level.Info(a.currentLogger()).Log("msg", "caught interrupt; closing the device")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			signal.Stop(term)
			close(cancel)
		})
	}

	err := g.Run()

	if path := a.cfg.MetricsTextfile; path != "" {
		if werr := prometheus.WriteToTextfile(path, r); werr != nil {
			_ = level.Error(a.logger).Log("msg", "failed to write metrics", "path", path, "err", werr)
			if err == nil {
				err = errors.Wrap(werr, "failed to write metrics")
			}
		}
	}
	return err
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(proto.ExitCode(err))
	}
}
