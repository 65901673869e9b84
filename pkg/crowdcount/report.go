// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crowdcount

import (
	"io"
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// CountRow is one line of a counts report.
type CountRow struct {
	Image string
	Count float64

	// GroundTruth is the known count, or NaN if not known.
	GroundTruth float64
}

// countsDataFrame builds the report table. The "ground_truth" column is only included if at least one row
// has a ground truth.
func countsDataFrame(rows []CountRow) dataframe.DataFrame {
	names := make([]string, len(rows))
	counts := make([]float64, len(rows))
	truths := make([]float64, len(rows))
	hasTruth := false
	for ii, row := range rows {
		names[ii] = row.Image
		counts[ii] = row.Count
		truths[ii] = row.GroundTruth
		if !math.IsNaN(row.GroundTruth) {
			hasTruth = true
		}
	}
	columns := []series.Series{
		series.New(names, series.String, "image"),
		series.New(counts, series.Float, "count"),
	}
	if hasTruth {
		columns = append(columns, series.New(truths, series.Float, "ground_truth"))
	}
	return dataframe.New(columns...)
}

// WriteCounts writes the counts report as CSV, with a header line: "image,count[,ground_truth]".
func WriteCounts(w io.Writer, rows []CountRow) error {
	df := countsDataFrame(rows)
	if df.Err != nil {
		return errors.WithMessage(df.Err, "failed to build counts report")
	}
	return errors.WithMessage(df.WriteCSV(w), "failed to write counts report")
}

// WriteCountsReport writes the counts report (see WriteCounts) to filePath.
func WriteCountsReport(rows []CountRow, filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create counts report %q", filePath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close counts report %q", filePath)
		}
	}()
	return WriteCounts(f, rows)
}
