// Copyright 2018-2023 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hatrac/hatrac/cmd/hatracd/grace"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/config"
	"github.com/hatrac/hatrac/pkg/logger"
	rtrace "github.com/hatrac/hatrac/pkg/trace"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	testFlag    = flag.Bool("t", false, "test configuration and exit")
	signalFlag  = flag.String("s", "", "send signal to a master process: stop, quit, reload")
	configFlag  = flag.String("c", "/etc/hatrac/hatracd.toml", "set configuration file")
	pidFlag     = flag.String("p", filepath.Join(os.TempDir(), "hatracd.pid"), "pid file")

	// Compile time variables initialized with gcc flags.
	gitCommit, buildDate, version, goVersion, buildPlatform string
)

func main() {
	flag.Parse()

	handleVersionFlag()
	handleSignalFlag()

	conf := handleConfigFlagOrDie()
	handleTestFlag()

	log, err := newLogger(conf.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger, exiting ...")
		os.Exit(1)
	}

	watcher, err := handlePIDFlag(log)
	if err != nil {
		log.Error().Err(err).Msg("error creating grace watcher")
		os.Exit(1)
	}

	if conf.Core.TracingEnabled {
		if err := rtrace.SetTraceProvider(context.Background(), conf.Core.TracingEndpoint, conf.Core.TracingServiceName); err != nil {
			log.Error().Err(err).Msg("error configuring tracing")
			watcher.Exit(1)
		}
	}

	ncpus, err := adjustCPU(conf.Core.MaxCPUs)
	if err != nil {
		log.Error().Err(err).Msg("error adjusting number of cpus")
		watcher.Exit(1)
	}
	log.Info().Msgf("running on %d cpus", ncpus)

	ctx := appctx.WithLogger(context.Background(), log)
	server, err := getHTTPServer(ctx, conf.HTTP, log)
	if err != nil {
		log.Error().Err(err).Msg("error creating http server")
		watcher.Exit(1)
	}

	servers := map[string]grace.Server{"http": server}
	listeners, err := watcher.GetListeners(servers)
	if err != nil {
		log.Error().Err(err).Msg("error getting sockets")
		watcher.Exit(1)
	}

	go func() {
		if err := server.Start(listeners["http"]); err != nil {
			log.Error().Err(err).Msg("error starting the http server")
			watcher.Exit(1)
		}
	}()

	// wait for a signal to close the server
	watcher.TrapSignals()
}

func newLogger(conf *config.Log) (*zerolog.Logger, error) {
	var opts []logger.Option
	opts = append(opts, logger.WithLevel(conf.Level))

	w, err := getWriter(conf.Output)
	if err != nil {
		return nil, err
	}

	opts = append(opts, logger.WithWriter(w, logger.Mode(conf.Mode)))

	l := logger.New(opts...)
	sub := l.With().Int("pid", os.Getpid()).Logger()
	return &sub, nil
}

func getWriter(out string) (io.Writer, error) {
	if out == "stderr" || out == "" {
		return os.Stderr, nil
	}

	if out == "stdout" {
		return os.Stdout, nil
	}

	fd, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "error creating log file: "+out)
	}

	return fd, nil
}

func handleVersionFlag() {
	if *versionFlag {
		msg := "version=%s "
		msg += "commit=%s "
		msg += "go_version=%s "
		msg += "build_date=%s "
		msg += "build_platform=%s\n"

		fmt.Fprintf(os.Stderr, msg, version, gitCommit, goVersion, buildDate, buildPlatform)
		os.Exit(1)
	}
}

func handleSignalFlag() {
	if *signalFlag != "" {
		var signal syscall.Signal
		switch *signalFlag {
		case "reload":
			signal = syscall.SIGHUP
		case "quit":
			signal = syscall.SIGQUIT
		case "stop":
			signal = syscall.SIGTERM
		default:
			fmt.Fprintf(os.Stderr, "unknown signal %q\n", *signalFlag)
			os.Exit(1)
		}

		process, err := grace.GetProcessFromFile(*pidFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error getting process from pidfile: %v\n", err)
			os.Exit(1)
		}

		// kill process with signal
		if err := process.Signal(signal); err != nil {
			fmt.Fprintf(os.Stderr, "error signaling process %d with signal %s\n", process.Pid, signal)
			os.Exit(1)
		}

		os.Exit(0)
	}
}

// handleTestFlag exits after the configuration parsed, so a bad config
// is caught before reloading a running daemon.
func handleTestFlag() {
	if *testFlag {
		fmt.Fprintf(os.Stderr, "the configuration file %s syntax is ok\n", *configFlag)
		os.Exit(0)
	}
}

func handleConfigFlagOrDie() *config.Config {
	fd, err := os.Open(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening file: %+v\n", err)
		os.Exit(1)
	}
	defer fd.Close()

	conf, err := config.Load(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %+v\n", err)
		os.Exit(1)
	}

	return conf
}

func handlePIDFlag(l *zerolog.Logger) (*grace.Watcher, error) {
	var opts []grace.Option
	opts = append(opts, grace.WithPIDFile(*pidFlag))
	opts = append(opts, grace.WithLogger(l.With().Str("pkg", "grace").Logger()))

	w := grace.NewWatcher(opts...)
	err := w.WritePID()
	if err != nil {
		return nil, err
	}

	return w, nil
}

// adjustCPU parses string cpu and sets GOMAXPROCS
// according to its value. It accepts either
// a number (e.g. 3) or a percent (e.g. 50%).
func adjustCPU(cpu string) (int, error) {
	var numCPU int

	availCPU := runtime.NumCPU()

	if cpu != "" {
		if strings.HasSuffix(cpu, "%") {
			// Percent
			var percent float32
			pctStr := cpu[:len(cpu)-1]
			pctInt, err := strconv.Atoi(pctStr)
			if err != nil || pctInt < 1 || pctInt > 100 {
				return 0, fmt.Errorf("invalid CPU value: percentage must be between 1-100")
			}
			percent = float32(pctInt) / 100
			numCPU = int(float32(availCPU) * percent)
		} else {
			// Number
			num, err := strconv.Atoi(cpu)
			if err != nil || num < 1 {
				return 0, fmt.Errorf("invalid CPU value: provide a number or percent greater than 0")
			}
			numCPU = num
		}
	} else {
		numCPU = availCPU
	}

	if numCPU > availCPU || numCPU < 1 {
		numCPU = availCPU
	}

	runtime.GOMAXPROCS(numCPU)
	return numCPU, nil
}
