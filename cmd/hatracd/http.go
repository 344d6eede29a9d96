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
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hatrac/hatrac/internal/http/interceptors/appctx"
	"github.com/hatrac/hatrac/internal/http/interceptors/auth"
	_ "github.com/hatrac/hatrac/internal/http/interceptors/loader"
	"github.com/hatrac/hatrac/internal/http/interceptors/log"
	_ "github.com/hatrac/hatrac/internal/http/services/loader"
	"github.com/hatrac/hatrac/pkg/config"
	"github.com/hatrac/hatrac/pkg/rhttp"
	"github.com/hatrac/hatrac/pkg/rhttp/global"
	_ "github.com/hatrac/hatrac/pkg/storage/loader"
)

func getHTTPServer(ctx context.Context, conf *config.HTTP, logger *zerolog.Logger) (*rhttp.Server, error) {
	services, err := rhttp.InitServices(ctx, conf.Services)
	if err != nil {
		return nil, errors.Wrap(err, "error initializing http services")
	}

	middlewares, err := initMiddlewares(conf.Middlewares, unprotectedURLs(services), logger)
	if err != nil {
		return nil, err
	}

	server, err := rhttp.New(
		rhttp.WithServices(services),
		rhttp.WithMiddlewares(middlewares),
		rhttp.WithLogger(logger.With().Str("pkg", "rhttp").Logger()),
		rhttp.WithCertAndKeyFiles(conf.CertFile, conf.KeyFile),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error creating http server")
	}
	return server, nil
}

// unprotectedURLs collects the paths the mounted services serve without
// authentication, rebased under each service prefix.
func unprotectedURLs(services map[string]global.Service) []string {
	urls := []string{}
	for _, svc := range services {
		for _, u := range svc.Unprotected() {
			urls = append(urls, path.Join("/", svc.Prefix(), u))
		}
	}
	return urls
}

// middlewareTriple represents a middleware with the
// priority to be chained.
type middlewareTriple struct {
	Name       string
	Priority   int
	Middleware global.Middleware
}

// initMiddlewares assembles the middleware chain. The chain is applied
// back to front, so the trailing appctx and log middlewares run first
// and the registered middlewares closest to the router run last.
func initMiddlewares(conf map[string]map[string]interface{}, unprotected []string, logger *zerolog.Logger) ([]global.Middleware, error) {
	triples := []*middlewareTriple{}
	for name, c := range conf {
		new, ok := global.NewMiddlewares[name]
		if !ok {
			continue
		}
		m, prio, err := new(c)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating new middleware: %s", name)
		}
		triples = append(triples, &middlewareTriple{
			Name:       name,
			Priority:   prio,
			Middleware: m,
		})
		logger.Info().Msgf("http middleware enabled: %s", name)
	}

	sort.SliceStable(triples, func(i, j int) bool {
		return triples[i].Priority > triples[j].Priority
	})

	authMiddle, err := auth.New(conf["auth"], unprotected)
	if err != nil {
		return nil, errors.Wrap(err, "error creating auth middleware")
	}

	middlewares := []global.Middleware{}
	for _, triple := range triples {
		middlewares = append(middlewares, triple.Middleware)
	}
	middlewares = append(middlewares, authMiddle, log.New(), appctx.New(*logger))
	return middlewares, nil
}
