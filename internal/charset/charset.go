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

// Package charset translates MySQL character-set names, as reported by
// INFORMATION_SCHEMA and the mysqlbinlog decoder, into the
// golang.org/x/text/encoding implementations used to decode
// byte-string column values.
package charset

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// registry maps MySQL charset names (lower-cased) to the x/text
// encoding that decodes them. Charsets that are already UTF-8
// compatible are intentionally absent; Decode is a no-op for those.
var registry = map[string]encoding.Encoding{
	"latin1":  charmap.Windows1252,
	"latin2":  charmap.ISO8859_2,
	"cp1251":  charmap.Windows1251,
	"koi8r":   charmap.KOI8R,
	"greek":   charmap.ISO8859_7,
	"hebrew":  charmap.ISO8859_8,
	"sjis":    japanese.ShiftJIS,
	"ujis":    japanese.EUCJP,
	"euckr":   korean.EUCKR,
	"gbk":     simplifiedchinese.GBK,
	"gb2312":  simplifiedchinese.GBK,
	"big5":    traditionalchinese.Big5,
}

// passthrough charsets require no translation: the bytes mysqlbinlog
// emits are already valid UTF-8.
var passthrough = map[string]bool{
	"":        true,
	"utf8":    true,
	"utf8mb4": true,
	"binary":  true,
	"ascii":   true,
}

// Decode translates s, which was decoded verbatim from a single-quoted
// literal in the journal, through the named charset. Unknown or
// passthrough charset names return s unmodified.
func Decode(name string, s string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if passthrough[name] {
		return s
	}
	enc, ok := registry[name]
	if !ok {
		return s
	}
	out, err := enc.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}

// Known reports whether name is a charset this package can translate,
// or is a recognized passthrough. It is used at startup to log a
// single warning per unrecognized charset rather than per value.
func Known(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if passthrough[name] {
		return true
	}
	_, ok := registry[name]
	return ok
}
