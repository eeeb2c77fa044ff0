package durablelog

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrCorruptRecord reports a line in a record file that cannot be decoded.
var ErrCorruptRecord = errors.New("durablelog: corrupt record")

const recordSep = ":"

// Record is one message line in a mailbox or in-flight file:
//
//	id:inFlightSinceUnixMilli:receiptHandle:base64(body)
//
// Visible records carry a zero timestamp and an empty receipt handle.
type Record struct {
	ID            string
	InFlightSince time.Time
	ReceiptHandle string
	Body          []byte
}

// InFlight reports whether the record carries a receipt handle.
func (r Record) InFlight() bool {
	return r.ReceiptHandle != ""
}

// Visible returns a copy of r with its in-flight fields cleared.
func (r Record) Visible() Record {
	r.ReceiptHandle = ""
	r.InFlightSince = time.Time{}
	return r
}

func (r Record) appendLine(buf []byte) []byte {
	var since int64
	if !r.InFlightSince.IsZero() {
		since = r.InFlightSince.UnixMilli()
	}
	buf = append(buf, r.ID...)
	buf = append(buf, recordSep...)
	buf = strconv.AppendInt(buf, since, 10)
	buf = append(buf, recordSep...)
	buf = append(buf, r.ReceiptHandle...)
	buf = append(buf, recordSep...)
	buf = base64.StdEncoding.AppendEncode(buf, r.Body)
	return append(buf, '\n')
}

func parseRecord(line string) (Record, error) {
	parts := strings.SplitN(line, recordSep, 4)
	if len(parts) != 4 || parts[0] == "" {
		return Record{}, fmt.Errorf("%w: %q", ErrCorruptRecord, line)
	}
	since, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp %q", ErrCorruptRecord, parts[1])
	}
	body, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Record{}, fmt.Errorf("%w: body of %s", ErrCorruptRecord, parts[0])
	}
	r := Record{ID: parts[0], ReceiptHandle: parts[2], Body: body}
	if since != 0 {
		r.InFlightSince = time.UnixMilli(since)
	}
	return r, nil
}

// decodeRecords parses a record file. A trailing line without a newline is
// the remainder of an interrupted append and is ignored.
func decodeRecords(data []byte) ([]Record, error) {
	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		data = data[:i+1]
	}
	var out []Record
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		line := string(data[:i])
		data = data[i+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := parseRecord(line)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func encodeRecords(records []Record) []byte {
	var buf []byte
	for _, r := range records {
		buf = r.appendLine(buf)
	}
	return buf
}
