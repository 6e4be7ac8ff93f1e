package extract

// streaming.go cleans text input on the fly before CSV parsing:
//
//   - bomSkipper drops a leading UTF-8 byte order mark (Excel on Windows adds one)
//   - utf8Sanitizer replaces invalid UTF-8 bytes with '?'
//
// Both work in O(buffer) memory so large files never need to be held twice.

import (
	"bufio"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomSkipper strips a UTF-8 BOM from the start of a stream.
type bomSkipper struct {
	br      *bufio.Reader
	checked bool
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{br: bufio.NewReader(r)}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.br.Peek(len(utf8BOM))
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return 0, err
		}
		if len(head) == len(utf8BOM) && head[0] == utf8BOM[0] && head[1] == utf8BOM[1] && head[2] == utf8BOM[2] {
			if _, err := b.br.Discard(len(utf8BOM)); err != nil {
				return 0, err
			}
		}
	}
	return b.br.Read(p)
}

// utf8Sanitizer rewrites invalid UTF-8 in place. A multi-byte sequence split
// across two reads is carried over in pending.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	off := copy(p, s.pending)
	s.pending = append(s.pending[:0], s.pending[off:]...)

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}

	atEOF := err == io.EOF
	return s.sanitize(p[:n], atEOF), err
}

func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) int {
	if asciiOnly(data) {
		return len(data)
	}

	w := 0
	for r := 0; r < len(data); {
		c, size := utf8.DecodeRune(data[r:])
		if c == utf8.RuneError && size == 1 {
			if !atEOF && !utf8.FullRune(data[r:]) {
				// Truncated sequence at the buffer edge; finish it next read.
				s.pending = append(s.pending, data[r:]...)
				return w
			}
			data[w] = '?'
			w++
			r++
			continue
		}
		copy(data[w:], data[r:r+size])
		w += size
		r += size
	}
	return w
}

func asciiOnly(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// normalizeText applies BOM stripping then UTF-8 sanitizing.
func normalizeText(r io.Reader) io.Reader {
	return newUTF8Sanitizer(newBOMSkipper(r))
}
