// Copyright 2018-2022 CERN
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
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pilotdataplatform/download/cmd/downloadd/config"
	"github.com/pilotdataplatform/download/pkg/logger"
	"github.com/pilotdataplatform/download/pkg/rhttp"
)

var (
	testFlag   = flag.Bool("t", false, "test configuration and exit")
	configFlag = flag.String("c", "/etc/downloadd/downloadd.toml", "set configuration file")
)

func main() {
	flag.Parse()

	mainConf := handleConfigFlagOrDie()
	logConf := parseLogConfOrDie(mainConf["log"])
	httpConf := parseHTTPConfOrDie(mainConf["http"])

	if *testFlag {
		os.Exit(0)
	}

	log, err := newLogger(logConf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger, exiting ...")
		os.Exit(1)
	}

	services, err := rhttp.InitServices(httpConf.Services, log)
	if err != nil {
		log.Error().Err(err).Msg("error initializing http services")
		os.Exit(1)
	}

	server, err := rhttp.New(
		rhttp.WithServices(services),
		rhttp.WithLogger(log.With().Str("pkg", "rhttp").Logger()),
	)
	if err != nil {
		log.Error().Err(err).Msg("error creating http server")
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", httpConf.Address)
	if err != nil {
		log.Error().Err(err).Str("address", httpConf.Address).Msg("error listening")
		os.Exit(1)
	}

	go func() {
		if err := server.Start(ln); err != nil {
			log.Error().Err(err).Msg("error starting the http server")
			os.Exit(1)
		}
	}()

	// wait for signal to close the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Msgf("signal %s received, shutting down", sig)

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping the http server")
		os.Exit(1)
	}
}

func newLogger(conf *logConf) (*zerolog.Logger, error) {
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
	fd, err := os.Create(out)
	if err != nil {
		return nil, errors.Wrap(err, "error creating log file")
	}
	return fd, nil
}

func handleConfigFlagOrDie() map[string]interface{} {
	fd, err := os.Open(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening file: %+v\n", err)
		os.Exit(1)
	}
	defer fd.Close()

	v, err := config.Read(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %+v\n", err)
		os.Exit(1)
	}
	return v
}

type logConf struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
}

func parseLogConfOrDie(v interface{}) *logConf {
	c := &logConf{}
	if err := mapstructure.Decode(v, c); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding log config: %s\n", err)
		os.Exit(1)
	}
	return c
}

type httpConf struct {
	Address  string                            `mapstructure:"address"`
	Services map[string]map[string]interface{} `mapstructure:"services"`
}

func parseHTTPConfOrDie(v interface{}) *httpConf {
	c := &httpConf{}
	if err := mapstructure.Decode(v, c); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding http config: %s\n", err)
		os.Exit(1)
	}
	if c.Address == "" {
		c.Address = "0.0.0.0:5077"
	}
	return c
}
