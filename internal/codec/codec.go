// Package codec converts between log entries and their on-disk
// representation. The format is line-oriented text: one record per line,
// preceded by a single header line identifying the format version and the
// base sequence of the file. The codec is purely functional; it performs no
// I/O and holds no state.
//
// Record lines:
//
//	BEGIN <tag>
//	DATA <tag> <escaped-payload>
//	END <tag>
//	ABORT <tag>
//	MARK <tag> <escaped-payload>
//
// Payload bytes are escaped so that a record never spans lines: backslash,
// newline, and carriage return become \\, \n, and \r.
package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/morphic-labs/imagewal/internal/domain"
)

// headerPrefix identifies an imagewal log file. The header line is
// "IMGWAL v1 base=<n>" where n is the sequence of the record immediately
// before the file's first record (0 for a fresh log).
const headerPrefix = "IMGWAL v1 base="

// ValidateTag rejects tags that are empty or contain whitespace or control
// bytes. Tags appear verbatim in record lines, so this keeps records
// self-delimiting.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: empty tag", domain.ErrInvalidTag)
	}
	for _, r := range tag {
		if r == ' ' || r == '\t' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", domain.ErrInvalidTag, tag)
		}
	}
	return nil
}

// EncodeHeader renders the header line for a log whose first record will
// carry sequence base+1.
func EncodeHeader(base uint64) []byte {
	return []byte(headerPrefix + strconv.FormatUint(base, 10) + "\n")
}

// DecodeHeader parses a header line (without the trailing newline) and
// returns the base sequence. A malformed header means the file is not an
// imagewal log at all.
func DecodeHeader(line []byte) (uint64, error) {
	s := string(line)
	if !strings.HasPrefix(s, headerPrefix) {
		return 0, fmt.Errorf("%w: bad header %q", domain.ErrLogCorrupt, s)
	}
	base, err := strconv.ParseUint(s[len(headerPrefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad header base: %v", domain.ErrLogCorrupt, err)
	}
	return base, nil
}

// Encode renders a single entry as one newline-terminated record.
// The entry's Sequence field is not encoded; sequences are positional and
// recovered by the scanner.
func Encode(e domain.Entry) ([]byte, error) {
	if err := ValidateTag(e.Tag); err != nil {
		return nil, err
	}
	switch e.Kind {
	case domain.KindBegin, domain.KindEnd, domain.KindAbort:
		if len(e.Payload) != 0 {
			return nil, fmt.Errorf("%s record for tag %q must not carry a payload", e.Kind, e.Tag)
		}
		return []byte(string(e.Kind) + " " + e.Tag + "\n"), nil
	case domain.KindData, domain.KindMark:
		var b bytes.Buffer
		b.WriteString(string(e.Kind))
		b.WriteByte(' ')
		b.WriteString(e.Tag)
		b.WriteByte(' ')
		b.Write(escape(e.Payload))
		b.WriteByte('\n')
		return b.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

// Decode parses one record line (without the trailing newline). The returned
// entry has Sequence zero; the caller assigns positional sequences.
// Unrecognized keywords and malformed escapes are reported as ErrLogCorrupt
// so callers can distinguish garbage from a merely truncated tail.
func Decode(line []byte) (domain.Entry, error) {
	kindEnd := bytes.IndexByte(line, ' ')
	if kindEnd < 0 {
		return domain.Entry{}, fmt.Errorf("%w: record %q has no tag", domain.ErrLogCorrupt, line)
	}
	kind := domain.Kind(line[:kindEnd])
	rest := line[kindEnd+1:]

	switch kind {
	case domain.KindBegin, domain.KindEnd, domain.KindAbort:
		tag := string(rest)
		if err := ValidateTag(tag); err != nil {
			return domain.Entry{}, fmt.Errorf("%w: record %q: bad tag", domain.ErrLogCorrupt, line)
		}
		return domain.Entry{Kind: kind, Tag: tag}, nil
	case domain.KindData, domain.KindMark:
		tagEnd := bytes.IndexByte(rest, ' ')
		var tag string
		var raw []byte
		if tagEnd < 0 {
			// A payload-bearing record with no payload field: empty payload.
			tag = string(rest)
		} else {
			tag = string(rest[:tagEnd])
			raw = rest[tagEnd+1:]
		}
		if err := ValidateTag(tag); err != nil {
			return domain.Entry{}, fmt.Errorf("%w: record %q: bad tag", domain.ErrLogCorrupt, line)
		}
		payload, err := unescape(raw)
		if err != nil {
			return domain.Entry{}, fmt.Errorf("%w: record %q: %v", domain.ErrLogCorrupt, line, err)
		}
		return domain.Entry{Kind: kind, Tag: tag, Payload: payload}, nil
	default:
		return domain.Entry{}, fmt.Errorf("%w: unknown record keyword %q", domain.ErrLogCorrupt, line[:kindEnd])
	}
}

func escape(p []byte) []byte {
	if !bytes.ContainsAny(p, "\\\n\r") {
		return p
	}
	out := make([]byte, 0, len(p)+8)
	for _, c := range p {
		switch c {
		case '\\':
			out = append(out, '\\', '\\')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, c)
		}
	}
	return out
}

func unescape(p []byte) ([]byte, error) {
	if !bytes.ContainsRune(p, '\\') {
		if len(p) == 0 {
			return nil, nil
		}
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	}
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(p) {
			return nil, fmt.Errorf("dangling escape")
		}
		switch p[i] {
		case '\\':
			out = append(out, '\\')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		default:
			return nil, fmt.Errorf("unknown escape \\%c", p[i])
		}
	}
	return out, nil
}
