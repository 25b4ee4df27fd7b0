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

package device

import (
	"fmt"
	"regexp"
	"strconv"
	"unicode"
	"unicode/utf8"
)

type Target string

const (
	TargetGPU Target = "gpu"
	TargetFan Target = "fan"
)

// Attribute addresses one queryable or settable property the way the
// vendor tools do: [gpu:N]/Name, [fan:N]/Name, optionally Name[i] for array
// attributes indexed by performance level.
type Attribute struct {
	Target  Target
	Index   int
	Name    string
	Element int
}

func GPU(index int, name string) Attribute {
	return Attribute{Target: TargetGPU, Index: index, Name: name, Element: -1}
}

func Fan(index int, name string) Attribute {
	return Attribute{Target: TargetFan, Index: index, Name: name, Element: -1}
}

// At returns a copy of a addressing array element i.
func (a Attribute) At(i int) Attribute {
	a.Element = i
	return a
}

func (a Attribute) IsZero() bool {
	return a.Name == ""
}

func (a Attribute) String() string {
	if a.Name == "" {
		return ""
	}
	s := fmt.Sprintf("[%s:%d]/%s", a.Target, a.Index, a.Name)
	if a.Element >= 0 {
		s += fmt.Sprintf("[%d]", a.Element)
	}
	return s
}

// QueryField reports whether the attribute is a management-tool query
// field (clocks.gr, power.limit, name, ...) rather than a settings-tool
// attribute. Query fields are lower case, settings attributes CamelCase.
func (a Attribute) QueryField() bool {
	r, _ := utf8.DecodeRuneInString(a.Name)
	return unicode.IsLower(r)
}

var attributePattern = regexp.MustCompile(`^\[(gpu|fan):(\d+)\]/([A-Za-z][A-Za-z0-9_.]*)(?:\[(\d+)\])?$`)

func ParseAttribute(s string) (Attribute, error) {
	m := attributePattern.FindStringSubmatch(s)
	if m == nil {
		return Attribute{}, fmt.Errorf("invalid attribute path %q", s)
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return Attribute{}, fmt.Errorf("invalid target index in %q: %w", s, err)
	}
	attr := Attribute{Target: Target(m[1]), Index: index, Name: m[3], Element: -1}
	if m[4] != "" {
		attr.Element, _ = strconv.Atoi(m[4])
	}
	return attr, nil
}
