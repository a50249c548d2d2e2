// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// MemoryFootprint describes the memory consumption of a buffer manager
// component. Besides the heap usage of the Go structures it is used to report
// the virtual ranges handed out to clients and the bytes held on disk, so the
// tree mixes both kinds of values; children are labeled accordingly.
type MemoryFootprint struct {
	value    uintptr
	note     string
	children map[string]*MemoryFootprint
}

// MemoryFootprintProvider is implemented by all components able to report
// their memory usage.
type MemoryFootprintProvider interface {
	GetMemoryFootprint() *MemoryFootprint
}

// NewMemoryFootprint creates a new MemoryFootprint instance for a component.
func NewMemoryFootprint(value uintptr) *MemoryFootprint {
	return &MemoryFootprint{
		value:    value,
		children: make(map[string]*MemoryFootprint),
	}
}

// AddChild attaches the footprint of a sub-component. Nil children are
// ignored.
func (mf *MemoryFootprint) AddChild(name string, child *MemoryFootprint) {
	if child == nil {
		return
	}
	mf.children[name] = child
}

// SetNote attaches a free-text note printed next to the component.
func (mf *MemoryFootprint) SetNote(note string) {
	mf.note = note
}

// Value provides the amount of bytes consumed by the component, excluding
// its sub-components.
func (mf *MemoryFootprint) Value() uintptr {
	return mf.value
}

// Total provides the amount of bytes consumed by the component including
// all its sub-components. Shared sub-components are counted once.
func (mf *MemoryFootprint) Total() uintptr {
	included := make(map[*MemoryFootprint]bool)
	return includeObjectIntoTotal(mf, included)
}

func includeObjectIntoTotal(mf *MemoryFootprint, included map[*MemoryFootprint]bool) uintptr {
	if included[mf] {
		return 0
	}
	included[mf] = true
	total := mf.value
	for _, child := range mf.children {
		total += includeObjectIntoTotal(child, included)
	}
	return total
}

// String renders the footprint as a tree listing, children first, sorted by
// name.
func (mf *MemoryFootprint) String() string {
	var sb strings.Builder
	mf.toStringBuilder(&sb, ".", map[*MemoryFootprint]bool{})
	return sb.String()
}

func (mf *MemoryFootprint) toStringBuilder(sb *strings.Builder, path string, visited map[*MemoryFootprint]bool) {
	if visited[mf] {
		return
	}
	visited[mf] = true
	names := make([]string, 0, len(mf.children))
	for name := range mf.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mf.children[name].toStringBuilder(sb, path+"/"+name, visited)
	}
	fmt.Fprintf(sb, "%10s %s", humanize.IBytes(uint64(mf.Total())), path)
	if mf.note != "" {
		fmt.Fprintf(sb, " (%s)", mf.note)
	}
	sb.WriteRune('\n')
}
