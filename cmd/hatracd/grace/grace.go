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

// Package grace watches the daemon process for graceful restarts,
// handing the open network sockets to the forked child so no packets
// are dropped.
package grace

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const gracefulShutdownTimeout = 10 * time.Second

// Watcher watches a process for a graceful restart
// preserving open network sockets to avoid dropping packets.
type Watcher struct {
	log       zerolog.Logger
	graceful  bool
	ppid      int
	lns       map[string]net.Listener
	ss        map[string]Server
	pidFile   string
	childPIDs []int
}

// Option represent an option.
type Option func(w *Watcher)

// WithLogger adds a logger to the Watcher.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

// WithPIDFile specifies the pid file to use.
func WithPIDFile(fn string) Option {
	return func(w *Watcher) {
		w.pidFile = fn
	}
}

// NewWatcher creates a Watcher.
func NewWatcher(opts ...Option) *Watcher {
	w := &Watcher{
		log:      zerolog.Nop(),
		graceful: os.Getenv("GRACEFUL") == "true",
		ppid:     os.Getppid(),
		pidFile:  path.Join(os.TempDir(), "hatracd.pid"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Exit exits the current process cleaning up existing pid files.
func (w *Watcher) Exit(errc int) {
	err := w.clean()
	if err != nil {
		w.log.Warn().Err(err).Msg("error removing pid file")
	} else {
		w.log.Info().Msgf("pid file %q got removed", w.pidFile)
	}
	os.Exit(errc)
}

func (w *Watcher) clean() error {
	// only remove the pid file if the pid has been written by us
	filePID, err := w.readPID()
	if err != nil {
		return err
	}

	if filePID != os.Getpid() {
		// the pidfile may have been overwritten by a forked child
		return fmt.Errorf("pid:%d in pidfile is different from pid:%d, it can be a leftover from a hard shutdown or that a reload was triggered", filePID, os.Getpid())
	}

	return os.Remove(w.pidFile)
}

func (w *Watcher) readPID() (int, error) {
	piddata, err := os.ReadFile(w.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(piddata))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// GetProcessFromFile reads the pidfile and returns the running process
// or an error if the process or file are not available.
func GetProcessFromFile(pfile string) (*os.Process, error) {
	data, err := os.ReadFile(pfile)
	if err != nil {
		return nil, err
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}

	return process, nil
}

// WritePID writes the pid to the configured pid file.
func (w *Watcher) WritePID() error {
	if piddata, err := os.ReadFile(w.pidFile); err == nil {
		if pid, err := strconv.Atoi(string(piddata)); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				// a zero signal only checks that the process exists
				if err := process.Signal(syscall.Signal(0)); err == nil {
					if !w.graceful {
						return fmt.Errorf("pid already running: %d", pid)
					}

					if pid != w.ppid { // overwrite only if the parent wrote the pidfile
						return fmt.Errorf("pid %d is not this process parent", pid)
					}
				} else {
					w.log.Warn().Err(err).Msg("error sending zero kill signal to current process")
				}
			} else {
				w.log.Warn().Msgf("pid:%d not found", pid)
			}
		} else {
			w.log.Warn().Msg("error casting contents of pidfile to pid(int)")
		}
	} else {
		w.log.Warn().Msg("error reading pidfile")
	}

	// the pidfile did not exist, or we are in a graceful reload and
	// overwrite our parent's entry
	err := os.WriteFile(w.pidFile, []byte(strconv.Itoa(os.Getpid())), 0664)
	if err != nil {
		return err
	}
	w.log.Info().Msgf("pidfile written to %s", w.pidFile)
	return nil
}

// Server is the interface that servers need to implement.
type Server interface {
	Stop() error
	GracefulStop() error
	Network() string
	Address() string
}

// sortedNames fixes the order servers map to inherited fds. The child
// opens fd 3+i for the i-th name, so both sides must agree on it.
func sortedNames(m map[string]Server) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetListeners returns a listener per server, either freshly bound or,
// on a graceful restart, rebuilt from the fds inherited from the
// parent process.
func (w *Watcher) GetListeners(servers map[string]Server) (map[string]net.Listener, error) {
	w.ss = servers
	lns := map[string]net.Listener{}

	if w.graceful {
		w.log.Info().Msg("graceful restart, inheriting parent listener fds")
		// fd 0, 1 and 2 are stdin, stdout and stderr
		count := 3
		for _, name := range sortedNames(servers) {
			s := servers[name]
			fd := os.NewFile(uintptr(count), "")
			count++
			ln, err := net.FileListener(fd)
			if err != nil {
				w.log.Error().Err(err).Msg("error creating net.Listener from fd")
				ln, err = net.Listen(s.Network(), s.Address())
				if err != nil {
					return nil, err
				}
			}
			lns[name] = ln
		}

		// the parent keeps serving on the same sockets until killed
		w.log.Info().Msgf("killing parent pid gracefully with SIGQUIT: %d", w.ppid)
		if err := syscall.Kill(w.ppid, syscall.SIGQUIT); err != nil {
			w.log.Error().Err(err).Msgf("error killing parent process with ppid:%d", w.ppid)
			return nil, errors.Wrap(err, "error killing parent process")
		}
		w.lns = lns
		return lns, nil
	}

	for name, s := range servers {
		ln, err := net.Listen(s.Network(), s.Address())
		if err != nil {
			return nil, err
		}
		lns[name] = ln
	}
	w.lns = lns
	return lns, nil
}

// TrapSignals captures the OS signals. SIGHUP forks a child that
// inherits the listeners, SIGQUIT drains connections before stopping
// and SIGINT or SIGTERM abort them.
func (w *Watcher) TrapSignals() {
	signalCh := make(chan os.Signal, 1024)
	signal.Notify(signalCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for s := range signalCh {
		w.log.Info().Msgf("%v signal received", s)

		switch s {
		case syscall.SIGHUP:
			w.log.Info().Msg("preparing for a hot-reload, forking child process...")

			p, err := w.forkChild()
			if err != nil {
				w.log.Error().Err(err).Msg("unable to fork child process")
			} else {
				w.log.Info().Msgf("child forked with new pid %d", p.Pid)
				w.childPIDs = append(w.childPIDs, p.Pid)
			}

		case syscall.SIGQUIT:
			w.log.Info().Msgf("preparing for a graceful shutdown with deadline of %s", gracefulShutdownTimeout)
			done := make(chan struct{})
			go func() {
				select {
				case <-done:
				case <-time.After(gracefulShutdownTimeout):
					w.log.Info().Msg("deadline reached before draining active conns, hard stopping ...")
					w.stopServers()
					w.Exit(1)
				}
			}()

			var g errgroup.Group
			for name, s := range w.ss {
				w.log.Info().Msgf("fd to %s:%s gracefully closed", s.Network(), s.Address())
				g.Go(func() error {
					return errors.Wrapf(s.GracefulStop(), "error stopping server %q", name)
				})
			}
			if err := g.Wait(); err != nil {
				w.log.Error().Err(err).Msg("error stopping server")
				w.Exit(1)
			}
			close(done)
			w.Exit(0)

		case syscall.SIGINT, syscall.SIGTERM:
			w.log.Info().Msg("preparing for hard shutdown, aborting all conns")
			w.stopServers()
			w.Exit(0)
		}
	}
}

func (w *Watcher) stopServers() {
	for _, s := range w.ss {
		w.log.Info().Msgf("fd to %s:%s abruptly closed", s.Network(), s.Address())
		if err := s.Stop(); err != nil {
			w.log.Error().Err(err).Msg("error stopping server")
		}
	}
}

func getListenerFile(ln net.Listener) (*os.File, error) {
	switch t := ln.(type) {
	case *net.TCPListener:
		return t.File()
	case *net.UnixListener:
		return t.File()
	}
	return nil, fmt.Errorf("unsupported listener: %T", ln)
}

func (w *Watcher) forkChild() (*os.Process, error) {
	// marshal the listener fds in the same name order the child will
	// rebuild them in
	fds := []*os.File{}
	for _, name := range sortedNames(w.ss) {
		fd, err := getListenerFile(w.lns[name])
		if err != nil {
			return nil, err
		}
		fds = append(fds, fd)
	}

	// pass stdin, stdout and stderr along with the listener files
	files := []*os.File{
		os.Stdin,
		os.Stdout,
		os.Stderr,
	}
	files = append(files, fds...)

	environment := append(os.Environ(), "GRACEFUL=true")

	execName, err := os.Executable()
	if err != nil {
		return nil, err
	}
	execDir := filepath.Dir(execName)

	p, err := os.StartProcess(execName, os.Args, &os.ProcAttr{
		Dir:   execDir,
		Env:   environment,
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}
