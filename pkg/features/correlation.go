// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Correlation returns the Pearson correlation matrix between the features of rows, in the order given by Names.
//
// A feature that is constant over all rows has an undefined correlation, reported as NaN.
func Correlation(rows []Row) (*mat.SymDense, error) {
	if len(rows) < 2 {
		return nil, errors.Errorf("correlation requires at least 2 rows, got %d", len(rows))
	}
	data := mat.NewDense(len(rows), len(Names), nil)
	for ii, row := range rows {
		data.SetRow(ii, row.Values())
	}
	n := len(Names)
	corr := mat.NewSymDense(n, nil)
	stat.CorrelationMatrix(corr, data, nil)

	// Division by a zero standard deviation may yield ±Inf instead of NaN, normalize it.
	for ii := range n {
		for jj := ii; jj < n; jj++ {
			if v := corr.At(ii, jj); math.IsInf(v, 0) {
				corr.SetSym(ii, jj, math.NaN())
			}
		}
	}
	return corr, nil
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// newPlainTable creates a table where the first column is left-aligned and the others right-aligned.
func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
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

// RenderTable renders a square matrix with the given row/column names as a terminal table.
// Values are printed with two decimals.
func RenderTable(m mat.Matrix, names []string) string {
	table := newPlainTable().Headers(append([]string{""}, names...)...)
	rows, cols := m.Dims()
	for ii := range rows {
		row := make([]string, 0, cols+1)
		row = append(row, names[ii])
		for jj := range cols {
			row = append(row, fmt.Sprintf("%.2f", m.At(ii, jj)))
		}
		table.Row(row...)
	}
	return table.Render()
}

// RenderSummary renders the mean of each feature per class as a terminal table.
func RenderSummary(rows []Row) string {
	var classes []string
	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for _, row := range rows {
		if _, found := sums[row.Class]; !found {
			classes = append(classes, row.Class)
			sums[row.Class] = make([]float64, len(Names))
		}
		for ii, v := range row.Values() {
			sums[row.Class][ii] += v
		}
		counts[row.Class]++
	}
	table := newPlainTable().Headers(append([]string{"Class", "#"}, Names...)...)
	for _, class := range classes {
		row := []string{class, fmt.Sprintf("%d", counts[class])}
		for _, sum := range sums[class] {
			row = append(row, fmt.Sprintf("%.2f", sum/float64(counts[class])))
		}
		table.Row(row...)
	}
	return table.Render()
}
