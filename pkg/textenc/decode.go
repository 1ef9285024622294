// Package textenc normalises JMA payloads to UTF-8.
package textenc

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ToUTF8 returns b as UTF-8. Valid UTF-8 input is returned unchanged apart
// from a stripped byte order mark; anything else is decoded as Shift_JIS
// (the cp932 superset JMA uses for its CSV downloads).
func ToUTF8(b []byte) ([]byte, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return b, nil
	}

	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(b), japanese.ShiftJIS.NewDecoder()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode shift_jis payload: %w", err)
	}
	return out, nil
}
