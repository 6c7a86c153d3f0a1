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

package cnf

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/czcorpus/cnc-gokit/logging"
	"github.com/czcorpus/korpgate/auth"
	"github.com/czcorpus/korpgate/cwb"
	"github.com/czcorpus/korpgate/rels"
	"github.com/rs/zerolog/log"
)

const (
	dfltServerReadTimeoutSecs  = 30
	dfltServerWriteTimeoutSecs = 300
	dfltParallelWorkers        = 3
	dfltMaxKwicRows            = 1000
	dfltDefaultWithin          = "sentence"
	dfltKeepaliveIntervalSecs  = 15
)

// Conf is a global configuration of the app
type Conf struct {
	ListenAddress          string                    `json:"listenAddress"`
	ListenPort             int                       `json:"listenPort"`
	ServerReadTimeoutSecs  int                       `json:"serverReadTimeoutSecs"`
	ServerWriteTimeoutSecs int                       `json:"serverWriteTimeoutSecs"`
	CorsAllowedOrigins     []string                  `json:"corsAllowedOrigins"`
	LogFile                string                    `json:"logFile"`
	LogLevel               logging.LogLevel          `json:"logLevel"`
	Engine                 *cwb.Conf                 `json:"engine"`
	CacheDir               string                    `json:"cacheDir"`
	ParallelWorkers        int                       `json:"parallelWorkers"`
	MaxKwicRows            int                       `json:"maxKwicRows"`
	SortCorpora            *bool                     `json:"sortCorpora"`
	DefaultWithin          string                    `json:"defaultWithin"`
	KeepaliveIntervalSecs  int                       `json:"keepaliveIntervalSecs"`
	Auth                   *auth.Conf                `json:"auth"`
	DB                     *rels.DBConf              `json:"db"`
	Corpora                map[string]*rels.VertConf `json:"corpora"`

	srcPath string
}

func (conf *Conf) IsDebugMode() bool {
	return conf.LogLevel == "debug"
}

// SortCorporaDefault tells whether corpora lists should be sorted
// unless a request says otherwise.
func (conf *Conf) SortCorporaDefault() bool {
	if conf.SortCorpora == nil {
		return true
	}
	return *conf.SortCorpora
}

// GetSourcePath returns an absolute path of a file
// the config was loaded from.
func (conf *Conf) GetSourcePath() string {
	if filepath.IsAbs(conf.srcPath) {
		return conf.srcPath
	}
	var cwd string
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "[failed to get working dir]"
	}
	return filepath.Join(cwd, conf.srcPath)
}

func LoadConfig(path string) *Conf {
	if path == "" {
		log.Fatal().Msg("Cannot load config - path not specified")
	}
	rawData, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	var conf Conf
	conf.srcPath = path
	err = json.Unmarshal(rawData, &conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	return &conf
}

func ValidateAndDefaults(conf *Conf) {
	if conf.ServerReadTimeoutSecs == 0 {
		conf.ServerReadTimeoutSecs = dfltServerReadTimeoutSecs
		log.Warn().Msgf(
			"serverReadTimeoutSecs not specified, using default: %d",
			dfltServerReadTimeoutSecs,
		)
	}
	if conf.ServerWriteTimeoutSecs == 0 {
		// queries waiting for the engine can stream keepalives for a
		// long time, so the write timeout stays generous
		conf.ServerWriteTimeoutSecs = dfltServerWriteTimeoutSecs
		log.Warn().Msgf(
			"serverWriteTimeoutSecs not specified, using default: %d",
			dfltServerWriteTimeoutSecs,
		)
	}
	if err := conf.Engine.ValidateAndDefaults(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if conf.ParallelWorkers == 0 {
		conf.ParallelWorkers = dfltParallelWorkers
		log.Warn().Msgf(
			"parallelWorkers not specified, using default: %d", dfltParallelWorkers)
	}
	if conf.MaxKwicRows == 0 {
		conf.MaxKwicRows = dfltMaxKwicRows
		log.Warn().Msgf(
			"maxKwicRows not specified, using default: %d", dfltMaxKwicRows)
	}
	if conf.DefaultWithin == "" {
		conf.DefaultWithin = dfltDefaultWithin
		log.Warn().Msgf(
			"defaultWithin not specified, using default: %s", dfltDefaultWithin)
	}
	if conf.KeepaliveIntervalSecs == 0 {
		conf.KeepaliveIntervalSecs = dfltKeepaliveIntervalSecs
	}
	if conf.CacheDir == "" {
		log.Warn().Msg("cacheDir not specified, result caching is disabled")
	}
	if conf.Auth != nil {
		conf.Auth.ValidateAndDefaults()
	}
	if conf.DB != nil {
		if err := conf.DB.ValidateAndDefaults("db"); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}
	for corpus, vertConf := range conf.Corpora {
		if err := vertConf.ValidateAndDefaults("corpora." + corpus); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}
}
