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

// Package rhttp provides the HTTP server hosting the registered
// services.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/pilotdataplatform/download/pkg/appctx"
	"github.com/pilotdataplatform/download/pkg/rhttp/global"
)

// Config is a function that modifies the server.
type Config func(*Server)

// WithServices sets the services hosted by the server.
func WithServices(services map[string]global.Service) Config {
	return func(s *Server) {
		s.svcs = services
	}
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Config {
	return func(s *Server) {
		s.log = log
	}
}

// InitServices instantiates every configured service from the global
// registry.
func InitServices(conf map[string]map[string]interface{}, log *zerolog.Logger) (map[string]global.Service, error) {
	services := map[string]global.Service{}
	for name, cfg := range conf {
		newFunc, ok := global.Services[name]
		if !ok {
			return nil, errors.Errorf("rhttp: http service %s does not exist", name)
		}
		svcLog := log.With().Str("service", name).Logger()
		svc, err := newFunc(cfg, &svcLog)
		if err != nil {
			return nil, errors.Wrapf(err, "rhttp: http service %s could not be started", name)
		}
		services[name] = svc
	}
	return services, nil
}

// New returns a new server.
func New(c ...Config) (*Server, error) {
	s := &Server{
		log:        zerolog.Nop(),
		httpServer: &http.Server{},
		svcs:       map[string]global.Service{},
	}
	for _, cc := range c {
		cc(s)
	}
	return s, nil
}

// Server contains the server info.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	svcs       map[string]global.Service
	log        zerolog.Logger
}

// Start starts the server.
func (s *Server) Start(ln net.Listener) error {
	s.httpServer.Handler = s.getHandler()
	s.listener = ln

	s.log.Info().Msgf("http server listening at http://%s", s.listener.Addr())
	err := s.httpServer.Serve(s.listener)
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server and closes the services.
func (s *Server) Stop() error {
	for name, svc := range s.svcs {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Msgf("error closing service %s", name)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) getHandler() http.Handler {
	mux := http.NewServeMux()
	for _, svc := range s.svcs {
		prefix := "/" + strings.Trim(svc.Prefix(), "/")
		if prefix == "/" {
			mux.Handle("/", svc.Handler())
			continue
		}
		mux.Handle(prefix+"/", http.StripPrefix(prefix, svc.Handler()))
	}

	handler := s.logging(mux)
	return cors.AllowAll().Handler(handler)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := appctx.WithLogger(r.Context(), &s.log)
		next.ServeHTTP(w, r.WithContext(ctx))
		s.log.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("http request served")
	})
}
