// Package pdftest assembles tiny but structurally valid PDFs for tests,
// with xref offsets computed rather than hard-coded.
package pdftest

import (
	"bytes"
	"fmt"
)

// WithText returns a one-page PDF whose content stream draws the given
// string through a real text object, i.e. a document with a native text
// layer.
func WithText(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", escape(text))
	return build(content)
}

// WithQuotedText returns a one-page PDF that draws its string with the
// move-and-show quote operator instead of Tj.
func WithQuotedText(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 14 TL 72 720 Td (%s) ' ET", escape(text))
	return build(content)
}

// ImageOnly returns a one-page PDF whose content stream contains no
// text-showing operators, like a scanner-produced page.
func ImageOnly() []byte {
	return build("q 612 0 0 792 0 0 cm Q")
}

func escape(s string) string {
	r := bytes.NewBufferString("")
	for _, c := range s {
		switch c {
		case '(', ')', '\\':
			r.WriteByte('\\')
		}
		r.WriteRune(c)
	}
	return r.String()
}

func build(content string) []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)
	return buf.Bytes()
}
