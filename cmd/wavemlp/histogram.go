// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/gomlx/wavemlp/pkg/ml/profile"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// maxHistogramBins of the latency histogram.
const maxHistogramBins = 20

// saveLatencyHistogram plots the histogram of the latency of each run. The format (png, svg, pdf...)
// is given by the extension of path.
func saveLatencyHistogram(path, title string, stats profile.Stats) error {
	if len(stats.Durations) == 0 {
		return errors.Errorf("no latency measurements to plot")
	}
	values := make(plotter.Values, len(stats.Durations))
	for ii, d := range stats.Durations {
		values[ii] = float64(d) / float64(time.Millisecond)
	}
	hist, err := plotter.NewHist(values, min(maxHistogramBins, len(values)))
	if err != nil {
		return errors.Wrapf(err, "failed to build latency histogram")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = fmt.Sprintf("latency (ms), mean=%s p50=%s", stats.Mean, stats.P50)
	p.Y.Label.Text = "runs"
	p.Add(hist)
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save latency histogram to %q", path)
	}
	return nil
}
