// Copyright 2024 Tomas Machalek <tomas.machalek@gmail.com>
// Copyright 2024 Institute of the Czech National Corpus,
//                Faculty of Arts, Charles University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/czcorpus/cnc-gokit/cors"
	"github.com/czcorpus/cnc-gokit/logging"
	"github.com/czcorpus/cnc-gokit/uniresp"
	"github.com/czcorpus/korpgate/auth"
	"github.com/czcorpus/korpgate/cache"
	"github.com/czcorpus/korpgate/cnf"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/czcorpus/korpgate/rels"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	version   string
	buildDate string
	gitCommit string
)

// VersionInfo provides a detailed information about the actual build
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"buildDate"`
	GitCommit string `json:"gitCommit"`
}

// noProtected stands in for the database when none is configured;
// without a protected list every corpus is open.
type noProtected struct{}

func (noProtected) ProtectedCorpora(ctx context.Context) ([]string, error) {
	return nil, nil
}

func runApiServer(
	conf *cnf.Conf,
	versionInfo VersionInfo,
	syscallChan chan os.Signal,
	exitEvent chan os.Signal,
	cwbClient *cwb.Client,
	cacheStore *cache.Store,
	db *rels.Database,
	gate *auth.Gate,
) {
	if !conf.IsDebugMode() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logging.GinMiddleware())
	engine.Use(uniresp.AlwaysJSONContentType())
	engine.Use(cors.CORSMiddleware(conf.CorsAllowedOrigins))
	engine.NoMethod(uniresp.NoMethodHandler)
	engine.NoRoute(uniresp.NotFoundHandler)

	actions := NewActions(conf, versionInfo, cwbClient, cacheStore, db, gate)

	routes := []struct {
		path    string
		handler gin.HandlerFunc
	}{
		{"/info", actions.Info},
		{"/corpus_info", actions.CorpusInfo},
		{"/query", actions.Query},
		{"/optimize", actions.Optimize},
		{"/count", actions.Count},
		{"/count_all", actions.CountAll},
		{"/loglike", actions.LogLike},
		{"/lemgram_count", actions.LemgramCount},
		{"/timespan", actions.Timespan},
		{"/relations", actions.Relations},
		{"/relations_sentences", actions.RelationsSentences},
		{"/authenticate", actions.Authenticate},
	}
	for _, route := range routes {
		engine.GET(route.path, route.handler)
		engine.POST(route.path, route.handler)
	}

	log.Info().Msgf("starting to listen at %s:%d", conf.ListenAddress, conf.ListenPort)
	srv := &http.Server{
		Handler:      engine,
		Addr:         fmt.Sprintf("%s:%d", conf.ListenAddress, conf.ListenPort),
		WriteTimeout: time.Duration(conf.ServerWriteTimeoutSecs) * time.Second,
		ReadTimeout:  time.Duration(conf.ServerReadTimeoutSecs) * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil {
			log.Error().Err(err).Msg("")
		}
		syscallChan <- syscall.SIGTERM
	}()

	select {
	case <-exitEvent:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(ctx)
		if err != nil {
			log.Info().Err(err).Msg("Shutdown request error")
		}
	}
}

func main() {
	versionInfo := VersionInfo{
		Version:   version,
		BuildDate: buildDate,
		GitCommit: gitCommit,
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "KORPGATE - a corpus querying gateway\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n\t%s [options] start [config.json]\n\t", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "%s [options] test [config.json]\n\t", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "%s [options] precalc [config.json] [corpus] [vertical]\n\t", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "%s [options] version\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	action := flag.Arg(0)
	if action == "version" {
		fmt.Printf("korpgate %s\nbuild date: %s\nlast commit: %s\n",
			versionInfo.Version, versionInfo.BuildDate, versionInfo.GitCommit)
		return
	}
	conf := cnf.LoadConfig(flag.Arg(1))

	if action == "test" {
		cnf.ValidateAndDefaults(conf)
		log.Info().Msg("config OK")
		return

	} else {
		logging.SetupLogging(conf.LogFile, conf.LogLevel)
	}
	log.Info().Msg("Starting Korpgate")
	cnf.ValidateAndDefaults(conf)
	syscallChan := make(chan os.Signal, 1)
	signal.Notify(syscallChan, os.Interrupt)
	signal.Notify(syscallChan, syscall.SIGTERM)
	exitEvent := make(chan os.Signal)

	go func() {
		evt := <-syscallChan
		exitEvent <- evt
		close(exitEvent)
	}()

	ctx := context.Background()
	var pool *pgxpool.Pool
	if conf.DB != nil {
		var err error
		pool, err = rels.OpenPool(ctx, conf.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database connection")
		}
	}

	switch action {
	case "start":
		cacheStore, err := cache.NewStore(conf.CacheDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize the result cache")
		}
		var db *rels.Database
		var protected auth.ProtectedLister = noProtected{}
		if pool != nil {
			db = rels.NewDatabase(pool)
			protected = db
		}
		authConf := conf.Auth
		if authConf == nil {
			authConf = &auth.Conf{}
		}
		gate := auth.NewGate(authConf, protected)
		cwbClient := cwb.NewClient(conf.Engine)
		runApiServer(
			conf, versionInfo, syscallChan, exitEvent,
			cwbClient, cacheStore, db, gate,
		)
	case "precalc":
		if pool == nil {
			log.Fatal().Msg("precalc requires a configured database")
			return
		}
		corpus := flag.Arg(2)
		vertConf, ok := conf.Corpora[corpus]
		if !ok {
			log.Fatal().Msgf("corpus %s not installed", corpus)
			return
		}
		if flag.Arg(3) != "" {
			vertConf.Path = flag.Arg(3)
		}
		if err := rels.Precalculate(ctx, corpus, vertConf, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to process")
		}
	default:
		log.Fatal().Msgf("Unknown action %s", action)
	}
}
