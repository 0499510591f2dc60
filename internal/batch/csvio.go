package batch

import (
	"encoding/csv"
	"io"
)

// Submission and ACK files are pipe-delimited.
const csvDelimiter = '|'

// newCSVReader configures a reader for submitted files: variable field
// counts are tolerated here and rejected per-row downstream, so one short
// row cannot abort the whole file.
func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = csvDelimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

func newCSVWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = csvDelimiter
	return cw
}
