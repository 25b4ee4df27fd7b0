/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package capability

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var (
	xorgLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Comment", Pattern: `#[^\n]*`},
		{Name: "Reserved", Pattern: `(?i)\b(EndSubSection|SubSection|EndSection|Section)\b`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "String", Pattern: `"(?:\\.|[^"])*"`},
		{Name: "Number", Pattern: `-?\d+(?:\.\d+)?`},
		{Name: "EOL", Pattern: `\n`},
		{Name: "Whitespace", Pattern: `[ \t\r]+`},
		{Name: "Punct", Pattern: `[^\s"#]`},
	})

	xorgParser = participle.MustBuild[XorgConfig](
		participle.Lexer(xorgLexer),
		participle.Unquote("String"),
		participle.CaseInsensitive("Reserved"),
		participle.Elide("Whitespace", "Comment"),
	)
)

type XorgConfig struct {
	Sections []*XorgSection `parser:"( @@ | EOL )*"`
}

type XorgSection struct {
	Name    string       `parser:"'Section' @String EOL"`
	Entries []*XorgEntry `parser:"( @@ | EOL )* 'EndSection'"`
}

type XorgEntry struct {
	SubSection *XorgSubSection `parser:"  @@"`
	Line       *XorgLine       `parser:"| @@"`
}

type XorgSubSection struct {
	Name  string      `parser:"'SubSection' @String EOL"`
	Lines []*XorgLine `parser:"( @@ | EOL )* 'EndSubSection'"`
}

type XorgLine struct {
	Key  string   `parser:"@Ident"`
	Args []string `parser:"@( String | Number | Ident | Punct )* EOL"`
}

func ParseXorgConfig(source string) (*XorgConfig, error) {
	// the grammar terminates every line with EOL, including the last one
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	return xorgParser.ParseString("", source)
}

// Coolbits returns the Coolbits option of the first Device or Screen
// section declaring one.
func (c *XorgConfig) Coolbits() (int, bool) {
	for _, section := range c.Sections {
		name := strings.ToLower(section.Name)
		if name != "device" && name != "screen" {
			continue
		}
		for _, entry := range section.Entries {
			if entry.Line == nil {
				continue
			}
			if v, ok := entry.Line.coolbits(); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func (l *XorgLine) coolbits() (int, bool) {
	if !strings.EqualFold(l.Key, "Option") || len(l.Args) < 2 {
		return 0, false
	}
	if !strings.EqualFold(l.Args[0], "Coolbits") {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(l.Args[1]))
	if err != nil {
		return 0, false
	}
	return v, true
}

// ReadCoolbits scans the given X configuration files in order and returns
// the first Coolbits value found. Missing files are skipped; unparsable
// ones are reported.
func ReadCoolbits(paths []string) (int, bool, error) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		config, err := ParseXorgConfig(string(data))
		if err != nil {
			return 0, false, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if v, ok := config.Coolbits(); ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}
