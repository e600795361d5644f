// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/molgrid/pkg/transform"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"k8s.io/klog/v2"
)

// DXSuffix is the file name suffix of the files written by Pipeline.WriteDX.
const DXSuffix = ".dx"

// DX is one channel of a grid in the OpenDX format, used by molecular viewers.
type DX struct {
	// Points on each side of the cube, and Resolution the distance between them.
	Points     int
	Resolution float64

	// Origin is the position of the first grid point, the corner of the cube.
	Origin r3.Vec

	// Values of the Points³ grid points, with the last axis (z) varying fastest.
	Values []float32
}

// WriteDX writes the channel, with the values multiplied by scale.
func WriteDX(w io.Writer, dx *DX, scale float32) error {
	n := dx.Points
	if len(dx.Values) != n*n*n {
		return errors.Errorf("DX grid with %d points per side requires %d values, got %d", n, n*n*n, len(dx.Values))
	}
	bw := bufio.NewWriter(w)
	_, _ = fmt.Fprintf(bw, "object 1 class gridpositions counts %d %d %d\n", n, n, n)
	_, _ = fmt.Fprintf(bw, "origin %.5f %.5f %.5f\n", dx.Origin.X, dx.Origin.Y, dx.Origin.Z)
	_, _ = fmt.Fprintf(bw, "delta %.5f 0 0\ndelta 0 %.5f 0\ndelta 0 0 %.5f\n", dx.Resolution, dx.Resolution, dx.Resolution)
	_, _ = fmt.Fprintf(bw, "object 2 class gridconnections counts %d %d %d\n", n, n, n)
	_, _ = fmt.Fprintf(bw, "object 3 class array type double rank 0 items [ %d] data follows\n", n*n*n)
	for ii, v := range dx.Values {
		sep := " "
		if (ii+1)%3 == 0 || ii == len(dx.Values)-1 {
			sep = "\n"
		}
		_, _ = fmt.Fprintf(bw, "%e%s", float64(v*scale), sep)
	}
	return errors.Wrap(bw.Flush(), "failed to write DX grid")
}

// ReadDX reads a grid written by WriteDX. Only cubic grids with the same resolution on all axes are supported.
func ReadDX(r io.Reader) (*DX, error) {
	dx := &DX{Points: -1}
	scanner := bufio.NewScanner(r)
	numDeltas, numValues := 0, -1
	parseFloats := func(fields []string) ([]float64, error) {
		values := make([]float64, len(fields))
		for ii, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid number %q in DX grid", f)
			}
			values[ii] = v
		}
		return values, nil
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if numValues >= 0 {
			values, err := parseFloats(fields)
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				dx.Values = append(dx.Values, float32(v))
			}
			continue
		}
		switch {
		case fields[0] == "origin" && len(fields) == 4:
			origin, err := parseFloats(fields[1:])
			if err != nil {
				return nil, err
			}
			dx.Origin = r3.Vec{X: origin[0], Y: origin[1], Z: origin[2]}
		case fields[0] == "delta" && len(fields) == 4:
			delta, err := parseFloats(fields[1:])
			if err != nil {
				return nil, err
			}
			if numDeltas > 2 || delta[numDeltas] <= 0 || delta[0]+delta[1]+delta[2] != delta[numDeltas] {
				return nil, errors.Errorf("DX delta #%d %v: only axis aligned grids are supported", numDeltas, delta)
			}
			if numDeltas > 0 && delta[numDeltas] != dx.Resolution {
				return nil, errors.Errorf("DX grid with different resolutions per axis")
			}
			dx.Resolution = delta[numDeltas]
			numDeltas++
		case fields[0] == "object" && strings.Contains(scanner.Text(), "gridpositions counts"):
			counts := fields[len(fields)-3:]
			if counts[0] != counts[1] || counts[0] != counts[2] {
				return nil, errors.Errorf("DX grid of %v points is not a cube", counts)
			}
			points, err := strconv.Atoi(counts[0])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid DX grid counts %v", counts)
			}
			dx.Points = points
		case fields[0] == "object" && strings.HasSuffix(scanner.Text(), "data follows"):
			numValues = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read DX grid")
	}
	if dx.Points < 0 || numDeltas != 3 || numValues < 0 {
		return nil, errors.New("incomplete DX grid header")
	}
	if want := dx.Points * dx.Points * dx.Points; len(dx.Values) != want {
		return nil, errors.Errorf("DX grid has %d values, expected %d", len(dx.Values), want)
	}
	return dx, nil
}

// DXFileName returns the name of the DX file of channel ch written by WriteDX, e.g. "<prefix>_rec_Zinc.dx".
// Ligand channels of merged poses other than the first are named "<prefix>_lig<pose>_<name>.dx",
// with pose starting at 2.
func (p *Pipeline) DXFileName(prefix string, ch int) string {
	info := p.Channel(ch)
	switch {
	case !info.Ligand:
		return fmt.Sprintf("%s_rec_%s%s", prefix, info.Name, DXSuffix)
	case info.Pose == 0:
		return fmt.Sprintf("%s_lig_%s%s", prefix, info.Name, DXSuffix)
	default:
		return fmt.Sprintf("%s_lig%d_%s%s", prefix, info.Pose+1, info.Name, DXSuffix)
	}
}

// WriteDX writes each channel of grid in its own DX file named by DXFileName, with the values multiplied
// by scale. grid is one grid of the last batch, e.g. Batch.Grid(0), or a gradient with respect to it.
//
// The grid is positioned at the center of the first grid of the last batch, which must not be rotated,
// so the files align with the input molecules.
func (p *Pipeline) WriteDX(prefix string, grid []float32, scale float32) error {
	if len(grid) != p.geometry.GridSize() {
		return errors.Errorf("WriteDX: grid has %d values, expected %d", len(grid), p.geometry.GridSize())
	}
	p.mu.Lock()
	slot := *p.slots[0]
	p.mu.Unlock()
	if slot.Record == nil {
		return errors.New("WriteDX requires a grid built by Pipeline.Forward")
	}
	if quat.Abs(quat.Sub(slot.Transform.Rotation, transform.IdentityRotation)) > 1e-9 {
		return errors.Errorf("WriteDX requires grids without rotation, got rotation %v", slot.Transform.Rotation)
	}
	half := p.geometry.Dimension / 2
	origin := r3.Sub(slot.Transform.Center, r3.Vec{X: half, Y: half, Z: half})

	channelSize := p.geometry.ChannelSize()
	for ch := range p.geometry.NumChannels {
		dx := &DX{
			Points:     p.geometry.Points,
			Resolution: p.geometry.Resolution,
			Origin:     origin,
			Values:     grid[ch*channelSize : (ch+1)*channelSize],
		}
		if err := writeDXFile(p.DXFileName(prefix, ch), dx, scale); err != nil {
			return err
		}
	}
	klog.V(1).Infof("Wrote %d DX grids to %s_*%s", p.geometry.NumChannels, prefix, DXSuffix)
	return nil
}

func writeDXFile(path string, dx *DX, scale float32) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create DX file %q", path)
	}
	if err := WriteDX(f, dx, scale); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "DX file %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close DX file %q", path)
}

