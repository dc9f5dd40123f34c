// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for simulations run from the command line.
package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/neurodyn/pkg/dyn"
)

// ReportMonitors prints on the command line a summary of each variable recorded by the monitor: number of
// records, shape of each record and the mean value.
func ReportMonitors(monitor *dyn.Monitor) error {
	for _, key := range monitor.Keys() {
		values, err := monitor.Get(key)
		if err != nil {
			return err
		}
		numRecords := values.Shape().Dim(0)
		if numRecords == 0 {
			fmt.Printf("\t%s: no records\n", key)
			continue
		}
		var sum float64
		for _, v := range values.Flat() {
			sum += v
		}
		fmt.Printf("\t%s: %s records of %v, mean=%.4g\n", key, humanize.Comma(int64(numRecords)),
			values.Shape().Dimensions[1:], sum/float64(values.Size()))
	}
	return nil
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 || len(matches[0]) != len(s) {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
