package oidtable

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrConfiguration is returned when an identifier source is missing,
// malformed or not a mapping of name to identifier.
var ErrConfiguration = errors.New("identifier table configuration error")

// LoadFile reads an identifier mapping document such as
//
//	{"sysUpTime": "1.3.6.1.2.1.1.3.0", "temp": "1.3.6.1.4.1.2.1.0"}
//
// Identifiers are returned in document order. The order of the document is
// what makes register addresses reproducible across reloads, so the source
// must be an ordered structure.
//
// On failure the returned slice is empty (never nil) and the error wraps
// ErrConfiguration; callers start with no variables configured.
func LoadFile(path string) ([]Identifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return []Identifier{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	defer f.Close()

	ids, err := Load(f)
	if err != nil {
		return []Identifier{}, fmt.Errorf("%s: %w", path, err)
	}
	return ids, nil
}

// Load decodes an identifier mapping from r.
func Load(r io.Reader) ([]Identifier, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return []Identifier{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return Parse(raw)
}

// Parse decodes an identifier mapping document. The object is read token by
// token so that key order is kept.
func Parse(raw []byte) ([]Identifier, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []Identifier{}, fmt.Errorf("%w: empty document", ErrConfiguration)
	}

	ids, err := parseObject(json.NewDecoder(bytes.NewReader(raw)))
	if err != nil {
		return []Identifier{}, err
	}
	return ids, nil
}

func parseObject(dec *json.Decoder) ([]Identifier, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: not a mapping of name to identifier", ErrConfiguration)
	}

	ids := []Identifier{}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		key, _ := tok.(string)
		name := strings.TrimSpace(key)

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: value of %q: %v", ErrConfiguration, name, err)
		}
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: value of %q is %T, want string", ErrConfiguration, name, value)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrConfiguration, name)
		}
		seen[name] = struct{}{}

		oid := strings.TrimSpace(text)
		if !ValidOID(oid) {
			return nil, fmt.Errorf("%w: %q is not a dotted-numeric identifier", ErrConfiguration, text)
		}
		ids = append(ids, Identifier{Name: name, OID: oid})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after the mapping", ErrConfiguration)
	}
	return ids, nil
}
