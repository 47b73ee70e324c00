// Package bencode implements the small subset of the bencode encoding needed
// to read a single-file torrent's metainfo dictionary and to re-encode its
// info dictionary for info-hash computation.
package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

const (
	tokDict   = 'd'
	tokInt    = 'i'
	tokList   = 'l'
	tokEnd    = 'e'
	tokStrSep = ':'
)

// Unmarshal parses a single complete bencoded value from data.
//
// The returned value is one of int64, string, []any, or map[string]any.
// Trailing bytes after the first value are an error.
func Unmarshal(data []byte) (any, error) {
	d := newDecoder(data)

	v, err := d.decode(0)
	if err != nil {
		return nil, err
	}

	if _, err := d.r.Peek(1); err == nil {
		return nil, errors.New("bencode: trailing data after top-level value")
	} else if !errors.Is(err, io.EOF) {
		return nil, err
	}

	return v, nil
}

// Marshal encodes v, which must be built only from string, []byte, int64,
// int, int32, uint32, []any, and map[string]any; any other type is an error.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

const (
	maxNestingDepth = 1024
	maxStringBytes  = 16 << 20 // 16 MiB; generous for a torrent's pieces blob
	maxIntDigits    = 19       // fits int64
)

type decoder struct {
	r *bufio.Reader
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: bufio.NewReader(bytes.NewReader(data))}
}

func (d *decoder) decode(depth int) (any, error) {
	if depth > maxNestingDepth {
		return nil, errors.New("bencode: nesting too deep")
	}

	lead, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch lead {
	case tokDict:
		return d.decodeDict(depth + 1)
	case tokList:
		return d.decodeList(depth + 1)
	case tokInt:
		return d.decodeInt()
	default:
		if err := d.r.UnreadByte(); err != nil {
			return nil, err
		}
		return d.decodeString()
	}
}

func (d *decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	for {
		peek, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if peek[0] == tokEnd {
			d.r.ReadByte()
			return dict, nil
		}

		key, err := d.decodeString()
		if err != nil {
			return nil, fmt.Errorf("bencode: dict key: %w", err)
		}
		val, err := d.decode(depth)
		if err != nil {
			return nil, fmt.Errorf("bencode: dict[%q]: %w", key, err)
		}
		dict[key] = val
	}
}

func (d *decoder) decodeList(depth int) ([]any, error) {
	var list []any

	for {
		peek, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if peek[0] == tokEnd {
			d.r.ReadByte()
			return list, nil
		}

		val, err := d.decode(depth)
		if err != nil {
			return nil, err
		}
		list = append(list, val)
	}
}

func (d *decoder) decodeInt() (int64, error) {
	return d.readSignedUpTo(tokEnd)
}

func (d *decoder) decodeString() (string, error) {
	n, err := d.readSignedUpTo(tokStrSep)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", errors.New("bencode: negative string length")
	}
	if n > maxStringBytes {
		return "", fmt.Errorf("bencode: string too large (%d bytes)", n)
	}
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("bencode: short string: %w", err)
	}

	return string(buf), nil
}

// readSignedUpTo reads digits (with an optional leading '-') up to and
// including delim, rejecting non-canonical forms like "-0" or "007".
func (d *decoder) readSignedUpTo(delim byte) (int64, error) {
	raw, err := d.r.ReadSlice(delim)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, errors.New("bencode: integer too long")
		}
		return 0, err
	}

	digits := raw[:len(raw)-1]
	if len(digits) == 0 {
		return 0, errors.New("bencode: empty integer")
	}
	if digits[0] == '-' {
		if len(digits) < 2 {
			return 0, errors.New("bencode: lone '-'")
		}
		if digits[1] == '0' {
			return 0, errors.New("bencode: negative zero")
		}
	} else if digits[0] == '0' && len(digits) > 1 {
		return 0, errors.New("bencode: leading zero")
	}
	if len(digits) > maxIntDigits+1 {
		return 0, errors.New("bencode: too many digits")
	}

	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: %w", err)
	}

	return n, nil
}

func encode(w *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		return encodeString(w, x)
	case []byte:
		return encodeString(w, string(x))
	case int64:
		return encodeInt(w, x)
	case int:
		return encodeInt(w, int64(x))
	case int32:
		return encodeInt(w, int64(x))
	case uint32:
		return encodeInt(w, int64(x))
	case []any:
		return encodeList(w, x)
	case map[string]any:
		return encodeDict(w, x)
	default:
		return fmt.Errorf("bencode: cannot encode %T", v)
	}
}

func encodeInt(w *bytes.Buffer, n int64) error {
	w.WriteByte(tokInt)
	w.WriteString(strconv.FormatInt(n, 10))
	w.WriteByte(tokEnd)
	return nil
}

func encodeString(w *bytes.Buffer, s string) error {
	w.WriteString(strconv.Itoa(len(s)))
	w.WriteByte(tokStrSep)
	w.WriteString(s)
	return nil
}

func encodeList(w *bytes.Buffer, xs []any) error {
	w.WriteByte(tokList)
	for _, x := range xs {
		if err := encode(w, x); err != nil {
			return err
		}
	}
	w.WriteByte(tokEnd)
	return nil
}

func encodeDict(w *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.WriteByte(tokDict)
	for _, k := range keys {
		encodeString(w, k)
		if err := encode(w, m[k]); err != nil {
			return err
		}
	}
	w.WriteByte(tokEnd)
	return nil
}
