// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molecule

import "github.com/pkg/errors"

// AtomType is one of the smina atom types, the typing used by the structure files.
type AtomType int32

const (
	Hydrogen AtomType = iota
	PolarHydrogen
	AliphaticCarbonXSHydrophobe
	AliphaticCarbonXSNonHydrophobe
	AromaticCarbonXSHydrophobe
	AromaticCarbonXSNonHydrophobe
	Nitrogen
	NitrogenXSDonor
	NitrogenXSDonorAcceptor
	NitrogenXSAcceptor
	Oxygen
	OxygenXSDonor
	OxygenXSDonorAcceptor
	OxygenXSAcceptor
	Sulfur
	SulfurAcceptor
	Phosphorus
	Fluorine
	Chlorine
	Bromine
	Iodine
	Magnesium
	Manganese
	Zinc
	Calcium
	Iron
	GenericMetal
	Boron

	// NumAtomTypes is the number of valid atom types.
	NumAtomTypes
)

type atomTypeInfo struct {
	name           string
	xsRadius       float32
	covalentRadius float32
}

var atomTypesInfo = [NumAtomTypes]atomTypeInfo{
	Hydrogen:                       {"Hydrogen", 0.37, 0.37},
	PolarHydrogen:                  {"PolarHydrogen", 0.37, 0.37},
	AliphaticCarbonXSHydrophobe:    {"AliphaticCarbonXSHydrophobe", 1.9, 0.77},
	AliphaticCarbonXSNonHydrophobe: {"AliphaticCarbonXSNonHydrophobe", 1.9, 0.77},
	AromaticCarbonXSHydrophobe:     {"AromaticCarbonXSHydrophobe", 1.9, 0.77},
	AromaticCarbonXSNonHydrophobe:  {"AromaticCarbonXSNonHydrophobe", 1.9, 0.77},
	Nitrogen:                       {"Nitrogen", 1.8, 0.75},
	NitrogenXSDonor:                {"NitrogenXSDonor", 1.8, 0.75},
	NitrogenXSDonorAcceptor:        {"NitrogenXSDonorAcceptor", 1.8, 0.75},
	NitrogenXSAcceptor:             {"NitrogenXSAcceptor", 1.8, 0.75},
	Oxygen:                         {"Oxygen", 1.7, 0.73},
	OxygenXSDonor:                  {"OxygenXSDonor", 1.7, 0.73},
	OxygenXSDonorAcceptor:          {"OxygenXSDonorAcceptor", 1.7, 0.73},
	OxygenXSAcceptor:               {"OxygenXSAcceptor", 1.7, 0.73},
	Sulfur:                         {"Sulfur", 2.0, 1.02},
	SulfurAcceptor:                 {"SulfurAcceptor", 2.0, 1.02},
	Phosphorus:                     {"Phosphorus", 2.1, 1.06},
	Fluorine:                       {"Fluorine", 1.5, 0.71},
	Chlorine:                       {"Chlorine", 1.8, 0.99},
	Bromine:                        {"Bromine", 2.0, 1.14},
	Iodine:                         {"Iodine", 2.2, 1.33},
	Magnesium:                      {"Magnesium", 1.2, 1.30},
	Manganese:                      {"Manganese", 1.2, 1.39},
	Zinc:                           {"Zinc", 1.2, 1.31},
	Calcium:                        {"Calcium", 1.2, 1.74},
	Iron:                           {"Iron", 1.2, 1.25},
	GenericMetal:                   {"GenericMetal", 1.2, 1.75},
	Boron:                          {"Boron", 1.92, 0.90},
}

var atomTypesByName = func() map[string]AtomType {
	m := make(map[string]AtomType, NumAtomTypes)
	for t := range NumAtomTypes {
		m[atomTypesInfo[t].name] = t
	}
	return m
}()

// IsValid returns whether t is one of the known atom types.
func (t AtomType) IsValid() bool {
	return t >= 0 && t < NumAtomTypes
}

// String implements fmt.Stringer.
func (t AtomType) String() string {
	if !t.IsValid() {
		return "UnknownAtomType"
	}
	return atomTypesInfo[t].name
}

// XSRadius returns the X-Score van der Waals radius of the atom type, in Angstroms.
func (t AtomType) XSRadius() float32 {
	if !t.IsValid() {
		return 0
	}
	return atomTypesInfo[t].xsRadius
}

// CovalentRadius returns the covalent radius of the atom type, in Angstroms.
func (t AtomType) CovalentRadius() float32 {
	if !t.IsValid() {
		return 0
	}
	return atomTypesInfo[t].covalentRadius
}

// ParseAtomType returns the atom type with the given name, e.g. "NitrogenXSDonor".
func ParseAtomType(name string) (AtomType, error) {
	t, found := atomTypesByName[name]
	if !found {
		return -1, errors.Errorf("unknown atom type %q", name)
	}
	return t, nil
}

// RadiusOptions selects the radius assigned to each atom.
type RadiusOptions struct {
	// Fixed, if > 0, is the radius of every atom.
	Fixed float64

	// Covalent selects the covalent radius instead of the X-Score radius.
	Covalent bool
}

// Radius returns the radius for an atom of type t.
func (opts RadiusOptions) Radius(t AtomType) float32 {
	switch {
	case opts.Fixed > 0:
		return float32(opts.Fixed)
	case opts.Covalent:
		return t.CovalentRadius()
	default:
		return t.XSRadius()
	}
}
