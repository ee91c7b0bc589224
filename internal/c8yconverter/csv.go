package c8yconverter

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ClassicMaxPayloadBytes is the hard per-message cap for the classic
// wire format, per spec.md §4.5.
const ClassicMaxPayloadBytes = 1024

// TrimMarker is appended to a message trimmed to fit the size limit.
const TrimMarker = "...<trimmed>"

// ErrMultiRecord is returned when encoding fields would, once decoded
// back, produce more than one logical CSV record.
var ErrMultiRecord = errors.New("csv field would produce more than one record")

// EncodeCSVRecord joins fields into one SmartREST-style CSV row: commas
// separate fields, and any field containing a comma, quote or newline is
// quoted with doubled internal quotes, matching spec.md §4.5's escaping
// rule. It rejects any record that would decode back into more than one
// row.
func EncodeCSVRecord(fields ...string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return "", errors.Wrap(err, "encode csv record")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "encode csv record")
	}
	line := strings.TrimRight(buf.String(), "\r\n")

	n, err := countRecords(line)
	if err != nil {
		return "", errors.Wrap(err, "encode csv record")
	}
	if n != 1 {
		return "", ErrMultiRecord
	}
	return line, nil
}

// DecodeCSVRecord parses a single SmartREST CSV row into its fields.
func DecodeCSVRecord(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "decode csv record")
	}
	return fields, nil
}

func countRecords(line string) (int, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	n := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// TrimToLimit shortens line to fit within limit bytes, appending
// TrimMarker, without cutting in the middle of a doubled-quote escape
// sequence, per spec.md §4.5.
func TrimToLimit(line string, limit int) string {
	if len(line) <= limit {
		return line
	}
	cut := limit - len(TrimMarker)
	if cut < 0 {
		cut = 0
	}
	if cut > len(line) {
		cut = len(line)
	}
	// Don't split a doubled "" escape sequence: if the byte just before
	// the cut and the cut itself are both quotes, they're one escaped
	// quote character; back off one more byte so it isn't orphaned.
	for cut > 0 && cut < len(line) && line[cut-1] == '"' && line[cut] == '"' {
		cut--
	}
	return line[:cut] + TrimMarker
}
