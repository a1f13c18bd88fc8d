// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// wavemlp is a command-line tool to inspect, benchmark and run WaveMLP models.
//
// Model hyperparameters are set with --set, e.g.:
//
//	wavemlp info --set="wavemlp_variant=M"
//	wavemlp bench --set="wavemlp_variant=S" --batch=32
//	wavemlp predict --set="wavemlp_pretrained=~/work/wavemlp_t" cat.jpg
package main

import (
	"github.com/gomlx/exceptions"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

func main() {
	err := exceptions.TryCatch[error](func() { must.M(newCLI().Execute()) })
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}
