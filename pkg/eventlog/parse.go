package eventlog

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ReadDump parses a file written by Dump.
func ReadDump(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.ReuseRecord = true

	var out []Record
	for line := 1; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.Wrapf(err, "line %d", line)
		}
		var vals [4]uint32
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return out, errors.Wrapf(err, "line %d field %d", line, i+1)
			}
			vals[i] = uint32(v)
		}
		out = append(out, Record{
			Timestamp: vals[0],
			Kind:      Kind(vals[1]),
			Channel:   vals[2],
			Value:     vals[3],
		})
	}
}
