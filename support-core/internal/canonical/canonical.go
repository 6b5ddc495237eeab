package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns deterministic JSON for any JSON-encodable value. Object keys
// are sorted, array order is kept and numbers keep their textual form.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the hex SHA-256 of the canonical form of v.
func Digest(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}

// Chain hashes payload bytes followed by the decoded previous hash.
func Chain(payload []byte, prevHex string) (string, error) {
	h := sha256.New()
	h.Write(payload)
	if prevHex != "" {
		prev, err := hex.DecodeString(prevHex)
		if err != nil {
			return "", fmt.Errorf("decode previous hash: %w", err)
		}
		h.Write(prev)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := write(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case json.RawMessage:
		return writeDecoded(buf, val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical: marshal %T: %w", v, err)
		}
		return writeDecoded(buf, raw)
	}
	return nil
}

func writeDecoded(buf *bytes.Buffer, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		buf.WriteString("null")
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("canonical: decode: %w", err)
	}
	return write(buf, generic)
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
