// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molecule

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TypeMap maps atom types to grid channels. Several atom types may share a channel, and atom types
// without a channel are not gridded (their atoms are dropped).
type TypeMap struct {
	channelOf [NumAtomTypes]int
	channels  [][]AtomType
}

// NewTypeMap creates a TypeMap where channels[i] lists the atom types of channel i.
// An atom type can only be assigned to one channel.
func NewTypeMap(channels [][]AtomType) (*TypeMap, error) {
	m := &TypeMap{channels: make([][]AtomType, 0, len(channels))}
	for t := range m.channelOf {
		m.channelOf[t] = -1
	}
	for ch, types := range channels {
		if len(types) == 0 {
			return nil, errors.Errorf("channel %d of the atom type map has no atom types", ch)
		}
		for _, t := range types {
			if !t.IsValid() {
				return nil, errors.Errorf("invalid atom type %d in channel %d", t, ch)
			}
			if prev := m.channelOf[t]; prev >= 0 {
				return nil, errors.Errorf("atom type %s assigned to both channels %d and %d", t, prev, ch)
			}
			m.channelOf[t] = ch
		}
		m.channels = append(m.channels, append([]AtomType(nil), types...))
	}
	return m, nil
}

// ParseTypeMap parses a type map where each non-empty line is one channel listing the names of its
// atom types separated by spaces, e.g.:
//
//	AliphaticCarbonXSHydrophobe AromaticCarbonXSHydrophobe
//	Nitrogen NitrogenXSAcceptor
func ParseTypeMap(contents string) (*TypeMap, error) {
	var channels [][]AtomType
	for lineNum, line := range strings.Split(contents, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		types := make([]AtomType, 0, len(fields))
		for _, name := range fields {
			t, err := ParseAtomType(name)
			if err != nil {
				return nil, errors.WithMessagef(err, "atom type map line %d", lineNum+1)
			}
			types = append(types, t)
		}
		channels = append(channels, types)
	}
	if len(channels) == 0 {
		return nil, errors.New("atom type map has no channels")
	}
	return NewTypeMap(channels)
}

// LoadTypeMap reads a type map file in the format of ParseTypeMap.
func LoadTypeMap(path string) (*TypeMap, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read atom type map %q", path)
	}
	m, err := ParseTypeMap(string(contents))
	if err != nil {
		return nil, errors.WithMessagef(err, "in file %q", path)
	}
	return m, nil
}

func singleTypeChannels(types ...AtomType) *TypeMap {
	channels := make([][]AtomType, len(types))
	for ii, t := range types {
		channels[ii] = []AtomType{t}
	}
	m, err := NewTypeMap(channels)
	if err != nil {
		panic(err)
	}
	return m
}

// DefaultReceptorMap returns the default 16 channels map for receptors.
func DefaultReceptorMap() *TypeMap {
	return singleTypeChannels(
		AliphaticCarbonXSHydrophobe,
		AliphaticCarbonXSNonHydrophobe,
		AromaticCarbonXSHydrophobe,
		AromaticCarbonXSNonHydrophobe,
		Calcium,
		Iron,
		Magnesium,
		Nitrogen,
		NitrogenXSAcceptor,
		NitrogenXSDonor,
		NitrogenXSDonorAcceptor,
		OxygenXSAcceptor,
		OxygenXSDonorAcceptor,
		Phosphorus,
		Sulfur,
		Zinc)
}

// DefaultLigandMap returns the default 19 channels map for ligands.
func DefaultLigandMap() *TypeMap {
	return singleTypeChannels(
		AliphaticCarbonXSHydrophobe,
		AliphaticCarbonXSNonHydrophobe,
		AromaticCarbonXSHydrophobe,
		AromaticCarbonXSNonHydrophobe,
		Bromine,
		Chlorine,
		Fluorine,
		Nitrogen,
		NitrogenXSAcceptor,
		NitrogenXSDonor,
		NitrogenXSDonorAcceptor,
		Oxygen,
		OxygenXSAcceptor,
		OxygenXSDonorAcceptor,
		Phosphorus,
		Sulfur,
		SulfurAcceptor,
		Iodine,
		Boron)
}

// Channel returns the channel of atom type t, or false if it has none.
func (m *TypeMap) Channel(t AtomType) (int, bool) {
	if !t.IsValid() {
		return -1, false
	}
	ch := m.channelOf[t]
	return ch, ch >= 0
}

// NumChannels returns the number of channels of the map.
func (m *TypeMap) NumChannels() int {
	return len(m.channels)
}

// ChannelName returns a name for the channel built from its atom types. Overly long names
// are replaced by the list of the atom type numbers, e.g. "_2_3_4".
func (m *TypeMap) ChannelName(ch int) string {
	var name, alt strings.Builder
	for _, t := range m.channels[ch] {
		name.WriteString(t.String())
		_, _ = fmt.Fprintf(&alt, "_%d", t)
	}
	if name.Len() > 32 {
		return alt.String()
	}
	return name.String()
}

// String returns the map in the format accepted by ParseTypeMap.
func (m *TypeMap) String() string {
	lines := make([]string, 0, len(m.channels))
	for _, types := range m.channels {
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, t.String())
		}
		lines = append(lines, strings.Join(names, " "))
	}
	return strings.Join(lines, "\n")
}
