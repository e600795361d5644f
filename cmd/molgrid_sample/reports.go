// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/gomlx/molgrid/internal/workerspool"
	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/gomlx/molgrid/pkg/grid"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/spatial/r3"
	"k8s.io/klog/v2"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

func percent(count, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(count)/float64(total))
}

// drawStats accumulates the distribution of drawn examples.
type drawStats struct {
	total        int
	perReceptor  map[example.Handle]int
	perLabel     map[float32]int
	perAffinity  map[int]int
	withAffinity int
}

func newDrawStats() *drawStats {
	return &drawStats{
		perReceptor: make(map[example.Handle]int),
		perLabel:    make(map[float32]int),
		perAffinity: make(map[int]int),
	}
}

// affinityBin returns the bin of |affinity| in [minAffinity, maxAffinity) with the given step,
// clamping values outside the range into the first and last bins.
func affinityBin(affinity, minAffinity, maxAffinity, step float64) int {
	numBins := max(int(math.Ceil((maxAffinity-minAffinity)/step)), 1)
	bin := int(math.Floor((math.Abs(affinity) - minAffinity) / step))
	return max(0, min(bin, numBins-1))
}

func (s *drawStats) add(cfg *config.Config, rec example.Record) {
	s.total++
	s.perReceptor[rec.Receptor]++
	s.perLabel[rec.Label]++
	if rec.Affinity != 0 {
		s.withAffinity++
		if cfg.StratifyAffinity() {
			bin := affinityBin(float64(rec.Affinity), cfg.StratifyAffinityMin, cfg.StratifyAffinityMax, cfg.StratifyAffinityStep)
			s.perAffinity[bin]++
		}
	}
}

// topReceptors returns the receptors with most draws, sorted by decreasing count and then by handle.
func (s *drawStats) topReceptors(n int) []example.Handle {
	handles := slices.Collect(maps.Keys(s.perReceptor))
	slices.SortFunc(handles, func(a, b example.Handle) int {
		if c := cmp.Compare(s.perReceptor[b], s.perReceptor[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return handles[:min(n, len(handles))]
}

// reportDraws draws numDraws examples from the provider of the source and prints their distribution.
func reportDraws(cfg *config.Config, p *grid.Pipeline, source, numDraws int) {
	prov := p.Provider(source)
	stats := newDrawStats()
	for range numDraws {
		stats.add(cfg, prov.Next())
	}
	names := p.Names()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Source #%d: %s draws out of %s examples", source+1,
		humanize.Comma(int64(stats.total)), humanize.Comma(int64(prov.Size())))))
	table := newTable(true)
	table.Row("Receptor", "Draws", "Share")
	for _, h := range stats.topReceptors(*flagTop) {
		table.Row(names.Name(h), humanize.Comma(int64(stats.perReceptor[h])), percent(stats.perReceptor[h], stats.total))
	}
	if others := len(stats.perReceptor) - *flagTop; others > 0 {
		table.Row(fmt.Sprintf("(%s more receptors)", humanize.Comma(int64(others))), "", "")
	}
	fmt.Println(table.Render())

	table = newTable(true)
	table.Row("Label", "Draws", "Share")
	labels := slices.Sorted(maps.Keys(stats.perLabel))
	for _, label := range labels {
		table.Row(fmt.Sprintf("%g", label), humanize.Comma(int64(stats.perLabel[label])), percent(stats.perLabel[label], stats.total))
	}
	table.Row("with affinity", humanize.Comma(int64(stats.withAffinity)), percent(stats.withAffinity, stats.total))
	fmt.Println(table.Render())

	if len(stats.perAffinity) > 0 {
		table = newTable(true)
		table.Row("|Affinity|", "Draws", "Share")
		for _, bin := range slices.Sorted(maps.Keys(stats.perAffinity)) {
			low := cfg.StratifyAffinityMin + float64(bin)*cfg.StratifyAffinityStep
			table.Row(fmt.Sprintf("[%g, %g)", low, low+cfg.StratifyAffinityStep),
				humanize.Comma(int64(stats.perAffinity[bin])), percent(stats.perAffinity[bin], stats.withAffinity))
		}
		fmt.Println(table.Render())
	}
}

// recordsList collects the examples of a source.
type recordsList []example.Record

func (l *recordsList) Add(rec example.Record) { *l = append(*l, rec) }

// moleculeNames returns the sorted unique receptor and ligand file names of the records.
func moleculeNames(names *example.Interner, records []example.Record) (receptors, ligands []string) {
	receptorSet, ligandSet := make(map[string]bool), make(map[string]bool)
	for _, rec := range records {
		receptorSet[names.Name(rec.Receptor)] = true
		for _, h := range rec.Ligands {
			ligandSet[names.Name(h)] = true
		}
	}
	return slices.Sorted(maps.Keys(receptorSet)), slices.Sorted(maps.Keys(ligandSet))
}

// preload reads all molecules of the source(s) into the pipeline caches, with a progress bar.
func preload(cfg *config.Config, p *grid.Pipeline) {
	root2 := cfg.RootFolder2
	if root2 == "" {
		root2 = cfg.RootFolder
	}
	sources := [][2]string{{cfg.Source, cfg.RootFolder}}
	if cfg.Source2 != "" {
		sources = append(sources, [2]string{cfg.Source2, root2})
	}
	pool := workerspool.New()
	if *flagParallelism > 0 {
		pool.SetMaxParallelism(*flagParallelism)
	}
	parseOpts := example.OptionsFromConfig(cfg)
	for _, src := range sources {
		var records recordsList
		must.M1(example.LoadFile(src[0], p.Names(), parseOpts, &records))
		root := must.M1(fsutil.RootFolder(src[1]))
		receptors, ligands := moleculeNames(p.Names(), records)
		for _, job := range []struct {
			cache *molecule.Cache
			names []string
		}{{p.ReceptorCache(), receptors}, {p.LigandCache(), ligands}} {
			bar := progressbar.NewOptions(len(job.names),
				progressbar.OptionSetDescription(fmt.Sprintf("Loading %s molecules", job.cache.Name())),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("files"),
				progressbar.OptionSetTheme(progressbar.ThemeASCII))
			err := job.cache.Preload(root, job.names, pool, func() { _ = bar.Add(1) })
			_ = bar.Finish()
			fmt.Println()
			if err != nil {
				klog.Exitf("Failed to preload %s molecules of %q: %+v", job.cache.Name(), src[0], err)
			}
		}
	}

	fmt.Println(titleStyle.Render("Molecule caches"))
	table := newTable(true)
	table.Row("Cache", "Molecules", "Atoms")
	for _, cache := range []*molecule.Cache{p.ReceptorCache(), p.LigandCache()} {
		table.Row(cache.Name(), humanize.Comma(int64(cache.Len())), humanize.Comma(int64(cache.NumAtoms())))
	}
	fmt.Println(table.Render())
}

// channelCounter is a grid.Engine that doesn't rasterize anything: it counts the atoms given
// for each channel.
type channelCounter struct {
	mu     sync.Mutex
	counts map[int16]int
	grids  int
}

func newChannelCounter() *channelCounter {
	return &channelCounter{counts: make(map[int16]int)}
}

// Forward implements grid.Engine.
func (c *channelCounter) Forward(req *grid.Request, values []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grids++
	for _, ch := range req.Channels {
		c.counts[ch]++
	}
	clear(values)
	return nil
}

// Backward implements grid.Engine.
func (c *channelCounter) Backward(_ *grid.Request, _ []float32, atomGradient []r3.Vec) error {
	clear(atomGradient)
	return nil
}

// channelName returns the name of the atom types of grid channel ch.
func channelName(p *grid.Pipeline, ch int) string {
	info := p.Channel(ch)
	if !info.Ligand {
		return "receptor " + info.Name
	}
	if info.Pose > 0 {
		return fmt.Sprintf("ligand %s (pose #%d)", info.Name, info.Pose+1)
	}
	return "ligand " + info.Name
}

func reportChannels(p *grid.Pipeline, c *channelCounter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Atoms per channel in %s grids", humanize.Comma(int64(c.grids)))))
	table := newTable(true)
	table.Row("Channel", "Atoms", "Per grid")
	for ch := range p.Geometry().NumChannels {
		count := c.counts[int16(ch)]
		table.Row(fmt.Sprintf("#%d %s", ch, channelName(p, ch)), humanize.Comma(int64(count)),
			fmt.Sprintf("%.2f", float64(count)/float64(max(c.grids, 1))))
	}
	fmt.Println(table.Render())
}
