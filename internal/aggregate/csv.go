package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
)

// timeColumn is the header of the simulated-time column in every output file.
const timeColumn = "Time"

// readTable reads a simulator CSV file and returns its time column and the
// requested value columns, in the order given.
func readTable(path string, columns []string) ([]float64, [][]float64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, &Error{Path: path, Err: ErrMissingOutput}
	}
	if err != nil {
		return nil, nil, &Error{Path: path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: empty file", ErrMalformedOutput)}
	}
	if err != nil {
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: %v", ErrMalformedOutput, err)}
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	timeIdx, ok := index[timeColumn]
	if !ok {
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: no %q column", ErrMalformedOutput, timeColumn)}
	}
	colIdx := make([]int, len(columns))
	for i, c := range columns {
		idx, ok := index[c]
		if !ok {
			return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: no %q column", ErrMalformedOutput, c)}
		}
		colIdx[i] = idx
	}

	var times []float64
	values := make([][]float64, len(columns))
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: line %d: %v", ErrMalformedOutput, line, err)}
		}
		t, err := parseFloat(rec[timeIdx])
		if err != nil {
			return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: line %d: %s: %v", ErrMalformedOutput, line, timeColumn, err)}
		}
		times = append(times, t)
		for i, idx := range colIdx {
			v, err := parseFloat(rec[idx])
			if err != nil {
				return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: line %d: %s: %v", ErrMalformedOutput, line, columns[i], err)}
			}
			values[i] = append(values[i], v)
		}
	}

	if len(times) == 0 {
		return nil, nil, &Error{Path: path, Err: fmt.Errorf("%w: no rows", ErrMalformedOutput)}
	}
	return times, values, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}
