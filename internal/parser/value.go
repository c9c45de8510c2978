// Copyright 2023 The Cockroach Authors
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
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/mygrate/internal/charset"
	"github.com/cockroachdb/mygrate/internal/types"
)

// decodeValue implements the small expression grammar the distilled
// spec calls for: integer | float | single-quoted string | null,
// falling back to stripping a trailing decoder annotation (everything
// after the first space) and retrying once. This is the explicit,
// non-exception analogue of the source's literal_eval-then-partition
// dance.
func decodeValue(token string, tableCharset string) types.Value {
	if v, ok := tryDecodeLiteral(token); ok {
		return translateIfString(v, tableCharset)
	}

	before, _, found := strings.Cut(token, " ")
	if found {
		if v, ok := tryDecodeLiteral(before); ok {
			return translateIfString(v, tableCharset)
		}
	}
	return types.NullValue()
}

func translateIfString(v types.Value, tableCharset string) types.Value {
	if tableCharset == "" || !v.IsString() {
		return v
	}
	return types.StringValue(charset.Decode(tableCharset, v.String))
}

// tryDecodeLiteral attempts to parse exactly one literal token: the
// explicit null marker, a single-quoted string, an integer, or a
// float, in that order. ok is false if none of the forms match.
func tryDecodeLiteral(token string) (types.Value, bool) {
	if token == "NULL" {
		return types.NullValue(), true
	}
	if s, ok := unquote(token); ok {
		return types.StringValue(s), true
	}
	if i, err := strconv.ParseInt(token, 10, 64); err == nil {
		return types.IntValue(i), true
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return types.FloatValue(f), true
	}
	return types.Value{}, false
}

// unquote decodes a single-quoted string literal using the decoder's
// escaping rules: a backslash introduces a C-style escape, and a
// doubled quote ('') is also accepted as an escaped quote.
func unquote(token string) (string, bool) {
	if len(token) < 2 || token[0] != '\'' || token[len(token)-1] != '\'' {
		return "", false
	}
	body := token[1 : len(token)-1]

	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			i++
			b.WriteByte(unescape(body[i]))
		case c == '\'' && i+1 < len(body) && body[i+1] == '\'':
			b.WriteByte('\'')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case '\\', '\'', '"':
		return c
	default:
		return c
	}
}
