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

package cwb

import "strings"

// AttrList is the attribute inventory of one corpus in the order the
// engine reports it.
type AttrList struct {
	Pos    []string `json:"p"`
	Struct []string `json:"s"`
	Align  []string `json:"a"`
}

// HasPos tests positional attribute membership.
func (a AttrList) HasPos(name string) bool {
	for _, v := range a.Pos {
		if v == name {
			return true
		}
	}
	return false
}

// HasStruct tests structural attribute membership.
func (a AttrList) HasStruct(name string) bool {
	for _, v := range a.Struct {
		if v == name {
			return true
		}
	}
	return false
}

// ShowAttrsCommands returns the program snippet printing the attribute
// inventory, terminated by the section sentinel.
func ShowAttrsCommands() []string {
	return []string{"show cd;", ".EOL.;"}
}

// ReadAttributes consumes one attribute inventory section. Lines look
// like "p-Att word" (positional), "s-Att text_id" (structural) and
// "a-Att corpus2" (alignment).
func ReadAttributes(lines *Lines) AttrList {
	var ans AttrList
	for {
		line, ok := lines.Next()
		if !ok || line == EndOfLine {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0][0] {
		case 'p':
			ans.Pos = append(ans.Pos, fields[1])
		case 's':
			ans.Struct = append(ans.Struct, fields[1])
		case 'a':
			ans.Align = append(ans.Align, fields[1])
		}
	}
	return ans
}
