// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardgrad/pkg/ml/train"
	"github.com/gomlx/shardgrad/pkg/ml/train/sharding"
	"github.com/gomlx/shardgrad/pkg/support/xslices"
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

// newPlainTable creates a table with alternating row colors, numbers are right aligned.
func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

// GradStoragesMemory returns the memory currently held by the gradient storages of the engine.
// Released storages don't count.
func GradStoragesMemory(engine *sharding.Stage2) uintptr {
	var total uintptr
	for _, storage := range engine.GradStorages() {
		total += storage.Memory()
	}
	return total
}

// OptimizerStateMemoryKey is the key in train.Loop.SharedData of an optional `func() uintptr` returning
// the memory used by the optimizer state of the rank. It is used by NewRankReport.
const OptimizerStateMemoryKey = "optimizer_state_memory"

// RankReport summarizes the state of one rank after training.
type RankReport struct {
	Rank int

	// OwnedParams and OwnedElements count the trainable parameters owned by the rank.
	OwnedParams, OwnedElements int

	// GradMemory is the memory held by the rank's gradients: storages plus individually reduced gradients.
	GradMemory uintptr

	// UnshardedGradMemory is the memory the gradients of all trainable parameters would take without sharding.
	UnshardedGradMemory uintptr

	// OptimizerStateMemory is the memory used by the optimizer state, if reported (see OptimizerStateMemoryKey).
	OptimizerStateMemory uintptr

	Stats      sharding.Stats
	MedianStep time.Duration
}

// NewRankReport collects the report of the rank running loop.
func NewRankReport(loop *train.Loop) RankReport {
	engine := loop.Engine
	r := RankReport{
		Rank:       engine.Rank(),
		GradMemory: GradStoragesMemory(engine),
		Stats:      engine.Stats(),
		MedianStep: loop.MedianTrainStepDuration(),
	}
	if stateMemoryFn, ok := loop.SharedData[OptimizerStateMemoryKey].(func() uintptr); ok {
		r.OptimizerStateMemory = stateMemoryFn()
	}
	for _, p := range engine.Parameters() {
		if !p.Trainable() {
			continue
		}
		r.UnshardedGradMemory += p.Memory()
		if owner, found := engine.Owner(p); found && owner == r.Rank {
			r.OwnedParams++
			r.OwnedElements += p.Size()
		}
		if p.HasGrad() && !engine.IsBucketed(p) {
			r.GradMemory += p.Grad().Memory()
		}
	}
	return r
}

// ReportRanks prints to w a table with one row per rank, plus a row with the totals.
func ReportRanks(w io.Writer, title string, reports []RankReport) error {
	table := newPlainTable().
		Headers("Rank", "Params", "Elements", "Grad memory", "Unsharded", "Opt. state", "Bucketed", "Direct", "Fallbacks",
			"Rebuilds", "Median step")
	for _, r := range reports {
		table.Row(
			fmt.Sprintf("#%d", r.Rank),
			humanize.Comma(int64(r.OwnedParams)),
			humanize.Comma(int64(r.OwnedElements)),
			humanize.IBytes(uint64(r.GradMemory)),
			humanize.IBytes(uint64(r.UnshardedGradMemory)),
			humanize.IBytes(uint64(r.OptimizerStateMemory)),
			humanize.Comma(int64(r.Stats.BucketReductions)),
			humanize.Comma(int64(r.Stats.DirectReductions)),
			humanize.Comma(int64(r.Stats.Fallbacks)),
			humanize.Comma(int64(r.Stats.Rebuilds)),
			FormatStepDuration(r.MedianStep),
		)
	}
	table.Row(
		"Total",
		humanize.Comma(int64(xslices.Sum(xslices.Map(reports, func(r RankReport) int { return r.OwnedParams })))),
		humanize.Comma(int64(xslices.Sum(xslices.Map(reports, func(r RankReport) int { return r.OwnedElements })))),
		humanize.IBytes(uint64(xslices.Sum(xslices.Map(reports, func(r RankReport) uintptr { return r.GradMemory })))),
		humanize.IBytes(uint64(xslices.Sum(xslices.Map(reports, func(r RankReport) uintptr {
			return r.UnshardedGradMemory
		})))),
		humanize.IBytes(uint64(xslices.Sum(xslices.Map(reports, func(r RankReport) uintptr {
			return r.OptimizerStateMemory
		})))),
		"", "", "", "", "",
	)
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render(title), table.Render())
	return err
}
