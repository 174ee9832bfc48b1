// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/pdiddy/docbatch/internal/pipeline"
)

// barReporter renders phase progress on stderr.
type barReporter struct {
	bar *progressbar.ProgressBar
}

// newReporter returns a progress bar reporter when stderr is a terminal,
// nil otherwise.
func newReporter() pipeline.Reporter {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return &barReporter{}
}

func (r *barReporter) Start(phase string, total int) {
	r.bar = getProgressBar(total, fmt.Sprintf("%-7s", phase))
}

func (r *barReporter) Advance() {
	if r.bar != nil {
		r.bar.Add(1)
	}
}

func (r *barReporter) Finish() {
	if r.bar != nil {
		r.bar.Finish()
		fmt.Fprintln(os.Stderr)
		r.bar = nil
	}
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}
