package classify

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
)

var (
	markStream    = []byte("stream")
	markEndstream = []byte("endstream")
	opBeginText   = []byte("BT")

	// the four text-showing operators: Tj, TJ, and the two quote forms
	// that move to the next line before showing
	opShowText   = []byte("Tj")
	opShowArray  = []byte("TJ")
	opShowNext   = []byte("'")
	opShowSpaced = []byte(`"`)
)

// probeTextLayer scans the PDF's content streams for text-showing
// operators. It is a cheap structural probe, not a parse: FlateDecode
// streams are inflated, anything else is searched raw. The answer is
// Unknown when not a single stream could be read.
func probeTextLayer(data []byte) (TextLayer, error) {
	readable := 0
	rest := data
	for {
		i := bytes.Index(rest, markStream)
		if i < 0 {
			break
		}
		rest = rest[i+len(markStream):]
		// skip the EOL that terminates the stream keyword
		rest = bytes.TrimLeft(rest, "\r\n")

		j := bytes.Index(rest, markEndstream)
		if j < 0 {
			break
		}
		body := rest[:j]
		rest = rest[j+len(markEndstream):]

		content, ok := inflate(body)
		if !ok {
			content = body
		}
		readable++
		if showsText(content) {
			return TextLayerPresent, nil
		}
	}
	if readable == 0 {
		return TextLayerUnknown, errors.New("no readable content stream")
	}
	return TextLayerAbsent, nil
}

func inflate(body []byte) ([]byte, bool) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false
	}
	return out, len(out) > 0
}

// showsText requires a text object plus a text-showing operator; either
// alone is too weak a signal (fonts are referenced by image-only pages
// produced by some scanners).
func showsText(content []byte) bool {
	if !bytes.Contains(content, opBeginText) {
		return false
	}
	return bytes.Contains(content, opShowText) || bytes.Contains(content, opShowArray) ||
		bytes.Contains(content, opShowNext) || bytes.Contains(content, opShowSpaced)
}
