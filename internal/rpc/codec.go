package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

// MaxCallSize is the largest encoded call that fits in one request datagram.
const MaxCallSize = 1024

// Encode serializes c as an externally tagged JSON object, e.g.
// {"Year":{"location":"Kansas City","year":2018}}.
//
// Calls whose encoding exceeds MaxCallSize fail with ErrTooLarge. Strings
// that are not valid UTF-8 fail with ErrMalformed, since JSON cannot carry
// them unchanged.
func Encode(c Call) ([]byte, error) {
	if c == nil {
		return nil, ErrNilCall
	}
	if field := Visit[string](c, invalidField{}); field != "" {
		return nil, fmt.Errorf("%w: %s call: %s is not valid UTF-8", ErrMalformed, c.Kind(), field)
	}

	buf, err := json.Marshal(map[Kind]any{c.Kind(): c.body()})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s: %w", c.Kind(), err)
	}
	if len(buf) > MaxCallSize {
		return nil, fmt.Errorf("%w: %s call is %d bytes, limit %d",
			ErrTooLarge, c.Kind(), len(buf), MaxCallSize)
	}
	return buf, nil
}

// Decode parses a request datagram. Trailing NUL padding and whitespace are
// ignored. Incomplete input fails with ErrTruncated, anything that is not
// exactly one known variant with exactly its fields fails with ErrMalformed.
func Decode(b []byte) (Call, error) {
	tagged, err := decodeObject(b)
	if err != nil {
		return nil, err
	}
	if len(tagged) != 1 {
		return nil, malformed(fmt.Sprintf("expected exactly one variant, got %d", len(tagged)), nil)
	}

	for tag, raw := range tagged {
		switch Kind(tag) {
		case KindName:
			var body struct {
				Name *string `json:"name"`
			}
			if err := strictUnmarshal(raw, &body); err != nil {
				return nil, malformed("Name body", err)
			}
			if body.Name == nil {
				return nil, malformed("Name body: missing field name", nil)
			}
			return ByName{Name: *body.Name}, nil
		case KindLocation:
			var body struct {
				Location *string `json:"location"`
			}
			if err := strictUnmarshal(raw, &body); err != nil {
				return nil, malformed("Location body", err)
			}
			if body.Location == nil {
				return nil, malformed("Location body: missing field location", nil)
			}
			return ByLocation{Location: *body.Location}, nil
		case KindYear:
			var body struct {
				Location *string `json:"location"`
				Year     *uint16 `json:"year"`
			}
			if err := strictUnmarshal(raw, &body); err != nil {
				return nil, malformed("Year body", err)
			}
			if body.Location == nil || body.Year == nil {
				return nil, malformed("Year body: location and year are required", nil)
			}
			return ByYear{Location: *body.Location, Year: *body.Year}, nil
		default:
			return nil, malformed(fmt.Sprintf("unknown variant %q", tag), nil)
		}
	}
	panic("unreachable")
}

// invalidField names the first string field of a call that is not valid
// UTF-8, or returns "" when all are.
type invalidField struct{}

func (invalidField) VisitByName(c ByName) string {
	return firstInvalid("name", c.Name)
}

func (invalidField) VisitByLocation(c ByLocation) string {
	return firstInvalid("location", c.Location)
}

func (invalidField) VisitByYear(c ByYear) string {
	return firstInvalid("location", c.Location)
}

func firstInvalid(name, val string) string {
	if utf8.ValidString(val) {
		return ""
	}
	return name
}

// trimPayload drops trailing NUL padding and trailing whitespace.
func trimPayload(b []byte) []byte {
	b = bytes.TrimRight(b, "\x00")
	return bytes.TrimRight(b, " \t\r\n")
}

// decodeObject parses b as a single JSON object and nothing else.
func decodeObject(b []byte) (map[string]json.RawMessage, error) {
	b = trimPayload(b)
	if len(b) == 0 {
		return nil, truncated("empty payload", nil)
	}
	if !utf8.Valid(b) {
		return nil, malformed("payload is not valid UTF-8", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, truncated("incomplete JSON", err)
		}
		return nil, malformed("not a JSON object", err)
	}
	if obj == nil {
		return nil, malformed("not a JSON object", nil)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data after object", err)
	}
	if err := checkEscapes(b); err != nil {
		return nil, malformed("string escape", err)
	}
	if err := checkDuplicateKeys(b); err != nil {
		return nil, malformed("duplicate key", err)
	}
	return obj, nil
}

// checkEscapes rejects \u escapes of unpaired UTF-16 surrogates, which the
// JSON decoder would otherwise replace with U+FFFD. b must be valid JSON.
func checkEscapes(b []byte) error {
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' {
			continue
		}
		if i+1 < len(b) && b[i+1] != 'u' {
			i++
			continue
		}
		r := hex4(b, i+2)
		switch {
		case r >= 0xd800 && r <= 0xdbff:
			if i+7 >= len(b) || b[i+6] != '\\' || b[i+7] != 'u' {
				return fmt.Errorf("lone surrogate \\u%04x", r)
			}
			if low := hex4(b, i+8); low < 0xdc00 || low > 0xdfff {
				return fmt.Errorf("lone surrogate \\u%04x", r)
			}
			i += 11
		case r >= 0xdc00 && r <= 0xdfff:
			return fmt.Errorf("lone surrogate \\u%04x", r)
		default:
			i += 5
		}
	}
	return nil
}

// hex4 parses the four hex digits at b[at:], or returns -1.
func hex4(b []byte, at int) int {
	if at+4 > len(b) {
		return -1
	}
	v, err := strconv.ParseUint(string(b[at:at+4]), 16, 32)
	if err != nil {
		return -1
	}
	return int(v)
}

// checkDuplicateKeys walks b and fails on any object that repeats a key.
// b must be valid JSON.
func checkDuplicateKeys(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return walkValue(dec)
}

func walkValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			key, _ := tok.(string)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("key %q appears more than once", key)
			}
			seen[key] = struct{}{}
			if err := walkValue(dec); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := walkValue(dec); err != nil {
				return err
			}
		}
	}
	// closing delimiter
	_, err = dec.Token()
	return err
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
