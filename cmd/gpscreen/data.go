package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/thalesfsp/gpscreen"
	"gonum.org/v1/gonum/mat"
)

// readCSV parses a numeric CSV file.
func readCSV(path string, header bool) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseCSV(f, header)
}

func parseCSV(r io.Reader, header bool) ([][]float64, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if header && len(records) > 0 {
		records = records[1:]
	}

	rows := make([][]float64, 0, len(records))

	for i, rec := range records {
		row := make([]float64, len(rec))

		for j, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i+1, j+1, err)
			}

			row[j] = v
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// loadTraining reads a CSV whose last column is the target.
func loadTraining(path string, header bool) (*mat.Dense, []float64, error) {
	rows, err := readCSV(path, header)
	if err != nil {
		return nil, nil, err
	}

	return splitTargets(rows)
}

func splitTargets(rows [][]float64) (*mat.Dense, []float64, error) {
	features := make([][]float64, len(rows))
	targets := make([]float64, len(rows))

	for i, row := range rows {
		if len(row) < 2 {
			return nil, nil, fmt.Errorf("%w: row %d needs at least one feature and a target", gpscreen.ErrInvalidData, i+1)
		}

		features[i] = row[:len(row)-1]
		targets[i] = row[len(row)-1]
	}

	X, err := gpscreen.NewFeatureMatrix(features)
	if err != nil {
		return nil, nil, err
	}

	y, err := gpscreen.NewTargetVector(targets)
	if err != nil {
		return nil, nil, err
	}

	return X, y, nil
}

// loadCandidates reads a CSV of features only.
func loadCandidates(path string, header bool) (*mat.Dense, error) {
	rows, err := readCSV(path, header)
	if err != nil {
		return nil, err
	}

	return gpscreen.NewFeatureMatrix(rows)
}
