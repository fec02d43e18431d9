// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"io"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// ToDataFrame converts rows to a table with columns Path, Class, Mean, StdDev, Max and Min.
func ToDataFrame(rows []Row) dataframe.DataFrame {
	paths := make([]string, len(rows))
	classes := make([]string, len(rows))
	columns := make([][]float64, len(Names))
	for ii := range columns {
		columns[ii] = make([]float64, len(rows))
	}
	for rowIdx, row := range rows {
		paths[rowIdx] = row.Path
		classes[rowIdx] = row.Class
		for featIdx, v := range row.Values() {
			columns[featIdx][rowIdx] = v
		}
	}
	allSeries := []series.Series{
		series.New(paths, series.String, "Path"),
		series.New(classes, series.String, "Class"),
	}
	for featIdx, name := range Names {
		allSeries = append(allSeries, series.New(columns[featIdx], series.Float, name))
	}
	return dataframe.New(allSeries...)
}

// FromDataFrame converts back a table created by ToDataFrame (or read from its CSV) to rows.
func FromDataFrame(df dataframe.DataFrame) ([]Row, error) {
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "invalid features table")
	}
	required := append([]string{"Path", "Class"}, Names...)
	for _, name := range required {
		if !hasColumn(df, name) {
			return nil, errors.Errorf("features table is missing column %q", name)
		}
	}
	paths := df.Col("Path").Records()
	classes := df.Col("Class").Records()
	columns := make([][]float64, len(Names))
	for ii, name := range Names {
		columns[ii] = df.Col(name).Float()
	}
	rows := make([]Row, df.Nrow())
	for ii := range rows {
		rows[ii] = Row{
			Path:  paths[ii],
			Class: classes[ii],
			Vector: Vector{
				Mean:   columns[0][ii],
				StdDev: columns[1][ii],
				Max:    columns[2][ii],
				Min:    columns[3][ii],
			},
		}
	}
	return rows, nil
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// WriteCSV writes the rows as a CSV table, with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	if err := ToDataFrame(rows).WriteCSV(w); err != nil {
		return errors.Wrap(err, "failed to write features CSV")
	}
	return nil
}

// SaveCSV writes the rows as a CSV file to filePath.
func SaveCSV(filePath string, rows []Row) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = WriteCSV(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadCSV reads rows saved with WriteCSV.
func ReadCSV(r io.Reader) ([]Row, error) {
	df := dataframe.ReadCSV(r, dataframe.WithTypes(map[string]series.Type{
		"Path":  series.String,
		"Class": series.String,
	}))
	return FromDataFrame(df)
}
