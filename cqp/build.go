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

package cqp

import (
	"fmt"
	"math/rand"
	"strings"
)

// Params are the extra clauses attached to a query when it is turned
// into an executable command.
type Params struct {
	Within string
	Cut    string
	Expand string
}

// Combine appends the extra clauses to a query in CQP clause order.
func Combine(query string, p Params) string {
	if p.Within != "" {
		query += " within " + p.Within
	}
	if p.Cut != "" {
		query += " cut " + p.Cut
	}
	if p.Expand != "" {
		query += " expand " + p.Expand
	}
	return query
}

// SafeCommands wraps a query between a QueryLock pair so a semicolon
// inside a quoted value cannot terminate the command prematurely.
func SafeCommands(query string) []string {
	lock := 100000000 + rand.Intn(900000000)
	return []string{
		fmt.Sprintf("set QueryLock %d;", lock),
		query + ";",
		fmt.Sprintf("unlock %d;", lock),
	}
}

// SortCommands translates a result sort mode into engine commands.
// The empty mode produces no command (engine corpus order).
func SortCommands(sort, randomSeed string) []string {
	switch sort {
	case "":
		return nil
	case "left":
		return []string{"sort by word on match[-1] .. match[-3];"}
	case "keyword":
		return []string{"sort by word;"}
	case "right":
		return []string{"sort by word on matchend[1] .. matchend[3];"}
	case "random":
		return []string{strings.TrimSpace("sort randomize "+randomSeed) + ";"}
	default:
		return []string{fmt.Sprintf("sort by %s;", sort)}
	}
}
