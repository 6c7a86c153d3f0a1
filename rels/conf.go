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

// Package rels provides the word picture database: precalculated
// dependency relation triples with their marginal frequencies, example
// sentence locators, the lemgram frequency index and per-corpus time
// distribution data.
package rels

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DBConf struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	PoolSize int    `json:"poolSize"`
}

func (conf *DBConf) ValidateAndDefaults(confContext string) error {
	if conf.Host == "" {
		return fmt.Errorf("missing %s.host", confContext)
	}
	if conf.Name == "" {
		return fmt.Errorf("missing %s.name", confContext)
	}
	if conf.Port == 0 {
		conf.Port = 5432
	}
	if conf.PoolSize == 0 {
		conf.PoolSize = 4
	}
	return nil
}

func OpenPool(ctx context.Context, conf *DBConf) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%d dbname=%s pool_max_conns=%d sslmode=disable",
		conf.User, conf.Password, conf.Host, conf.Port, conf.Name, conf.PoolSize,
	)
	return pgxpool.New(ctx, dsn)
}

// VertConf maps the columns of a corpus vertical file to the values
// needed for relation extraction. Column indexes are 1-based with the
// word form at position 1, matching corpus registry conventions.
type VertConf struct {
	Path string `json:"path"`

	// LemmaCol - the attribute the relation strings are built from
	LemmaCol int `json:"lemmaCol"`

	// PosCol - part of speech
	PosCol int `json:"posCol"`

	// DeprelCol - dependency relation type
	DeprelCol int `json:"deprelCol"`

	// HeadCol - relative position of the parent token within the
	// sentence (0 = root)
	HeadCol int `json:"headCol"`

	// SentenceStruct - the structure delimiting sentences
	// (default "s")
	SentenceStruct string `json:"sentenceStruct"`

	// DeprelTypes - relation types to extract; empty = all
	DeprelTypes []string `json:"deprelTypes"`
}

func (conf *VertConf) ValidateAndDefaults(confContext string) error {
	if conf.Path == "" {
		return fmt.Errorf("missing %s.path", confContext)
	}
	if conf.LemmaCol == 0 || conf.PosCol == 0 || conf.DeprelCol == 0 || conf.HeadCol == 0 {
		return fmt.Errorf(
			"%s requires lemmaCol, posCol, deprelCol and headCol", confContext)
	}
	if conf.SentenceStruct == "" {
		conf.SentenceStruct = "s"
	}
	return nil
}
