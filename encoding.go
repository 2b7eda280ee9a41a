package auditkit

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	unicodeenc "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultEncoding is used when a System does not declare one.
const DefaultEncoding = "UTF-8"

// knownEncodings maps a declared encoding name to its golang.org/x/text
// codec. KPWINAUDIT/KPNIXAUDIT/KPMACAUDIT reports are plain ASCII/UTF-8 in
// the overwhelming majority of cases, but collector output can carry
// console code-page bytes (Windows) or locale-dependent bytes (Linux), so
// the streamer supports the common superset rather than assuming UTF-8.
var knownEncodings = map[string]encoding.Encoding{
	"UTF-8":        unicodeenc.UTF8,
	"UTF-16BE":     unicodeenc.UTF16(unicodeenc.BigEndian, unicodeenc.IgnoreBOM),
	"UTF-16LE":     unicodeenc.UTF16(unicodeenc.LittleEndian, unicodeenc.IgnoreBOM),
	"ISO-8859-1":   charmap.ISO8859_1,
	"ISO-8859-15":  charmap.ISO8859_15,
	"Windows-1252": charmap.Windows1252,
	"ISO-8859-2":   charmap.ISO8859_2,
	"Windows-1250": charmap.Windows1250,
	"ISO-8859-5":   charmap.ISO8859_5,
	"Windows-1251": charmap.Windows1251,
	"KOI8-R":       charmap.KOI8R,
	"Shift_JIS":    japanese.ShiftJIS,
	"EUC-JP":       japanese.EUCJP,
	"ISO-2022-JP":  japanese.ISO2022JP,
	"GBK":          simplifiedchinese.GBK,
	"GB18030":      simplifiedchinese.GB18030,
	"Big5":         traditionalchinese.Big5,
	"EUC-KR":       korean.EUCKR,
}

// ResolveEncoding looks up a declared encoding name, defaulting to UTF-8
// when name is empty.
func ResolveEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		name = DefaultEncoding
	}
	enc, ok := knownEncodings[name]
	if !ok {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

// DetectEncoding sniffs a byte-order mark, falling back to UTF-8 when the
// data already validates as UTF-8 and to DefaultEncoding otherwise.
func DetectEncoding(data []byte) string {
	if name, ok := detectBOM(data); ok {
		return name
	}
	if utf8.Valid(data) {
		return "UTF-8"
	}
	return DefaultEncoding
}

func detectBOM(data []byte) (string, bool) {
	switch {
	case len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF:
		return "UTF-8", true
	case len(data) >= 2 && data[0] == 0xFE && data[1] == 0xFF:
		return "UTF-16BE", true
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFE:
		return "UTF-16LE", true
	default:
		return "", false
	}
}

// DecodeBytes decodes data using the named encoding and returns the decoded
// text. It returns a *DecodingError if the named encoding is unknown, if
// the transform itself fails, or if decoding introduced a Unicode
// replacement character that was not already present in the source bytes —
// the System invariant that decoding must not replace matched bytes.
func DecodeBytes(data []byte, encodingName string, filePath string) (string, error) {
	enc, err := ResolveEncoding(encodingName)
	if err != nil {
		return "", &DecodingError{FilePath: filePath, Encoding: encodingName, Underlying: err}
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return "", &DecodingError{FilePath: filePath, Encoding: encodingName, Underlying: err}
	}

	const replacementChar = "�"
	if strings.Contains(string(decoded), replacementChar) && !strings.Contains(string(data), replacementChar) {
		return "", &DecodingError{
			FilePath:   filePath,
			Encoding:   encodingName,
			Underlying: fmt.Errorf("decoded text contains replacement characters not present in source"),
		}
	}

	return string(decoded), nil
}
