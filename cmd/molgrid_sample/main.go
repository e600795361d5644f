// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// molgrid_sample draws examples with the sampling strategies of a pipeline configuration, and reports
// how they are distributed: draws per receptor, per label and per affinity bin.
//
// Optionally, it warms up the molecule caches (-preload) and builds batches (-grid) with an engine
// that only counts the atoms gridded in each channel.
//
// Example:
//
//	molgrid_sample -set="source=train.types;root_folder=~/data;balanced=true;stratify_receptor=true" -n=10000
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/grid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagNumDraws = flag.Int("n", 1000, "Number of examples to draw from each source.")
	flagTop      = flag.Int("top", 20, "Number of receptors listed in the draws report.")
	flagPreload  = flag.Bool("preload", false,
		"Load all molecules referred by the source(s) into the caches, and report the cache sizes.")
	flagParallelism = flag.Int("parallelism", 0,
		"Number of files read in parallel by -preload. If 0, the number of cores is used.")
	flagEnv = flag.String("env", "",
		`Prefix of the environment variables to read the configuration from (e.g. "MOLGRID"), `+
			`before applying -set. A ".env" file in the current directory is also loaded, if present.`)
	flagGrid = flag.Int("grid", 0, "Number of batches to build, reporting the number of atoms gridded per channel.")
)

func main() {
	klog.InitFlags(nil)
	cfg := config.Default()
	settings := config.CreateSettingsFlag(cfg, "")
	flag.Parse()

	if *flagEnv != "" {
		cfg = must.M1(configFromEnv(*flagEnv))
	}
	if _, err := config.ParseSettings(cfg, *settings); err != nil {
		klog.Exitf("Invalid -set: %+v", err)
	}
	fmt.Println(titleStyle.Render("Configuration"))
	fmt.Println(config.SprintSettings(cfg))

	counter := newChannelCounter()
	pipeline, err := grid.New(cfg, counter)
	if err != nil {
		klog.Exitf("Failed to create the pipeline: %+v", err)
	}
	fmt.Println(pipeline.Summary())

	if *flagPreload {
		preload(cfg, pipeline)
	}
	for source := range pipeline.NumExamples() {
		reportDraws(cfg, pipeline, source, *flagNumDraws)
	}
	if *flagGrid > 0 {
		start := time.Now()
		for range *flagGrid {
			if _, err := pipeline.Forward(); err != nil {
				klog.Exitf("Failed to build batch: %+v", err)
			}
		}
		klog.Infof("Built %s batches in %s", humanize.Comma(int64(*flagGrid)), time.Since(start))
		reportChannels(pipeline, counter)
	}
}

// configFromEnv reads the configuration from the environment, and from ./.env if it exists.
func configFromEnv(prefix string) (*config.Config, error) {
	var dotEnvFiles []string
	exists, err := fsutil.FileExists(".env")
	if err != nil {
		return nil, err
	}
	if exists {
		dotEnvFiles = append(dotEnvFiles, ".env")
	}
	return config.FromEnv(prefix, dotEnvFiles...)
}
