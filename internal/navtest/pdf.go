package navtest

import (
	"strconv"
	"strings"
)

// MinimalPDF builds a valid one-page PDF whose media box matches a CSS
// pixel size (96 px per inch) so page geometry can be asserted without
// Chrome.
func MinimalPDF(widthPx, heightPx float64) []byte {
	w := strconv.FormatFloat(widthPx*72/96, 'f', -1, 64)
	h := strconv.FormatFloat(heightPx*72/96, 'f', -1, 64)
	stream := "0 0 0 rg\n0 0 10 10 re f"

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, 5)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 " + w + " " + h + "] /Contents 4 0 R /Resources << >> >>\nendobj\n")

	offsets[4] = b.Len()
	b.WriteString("4 0 obj\n<< /Length " + strconv.Itoa(len(stream)) + " >>\nstream\n")
	b.WriteString(stream)
	b.WriteString("\nendstream\nendobj\n")

	xref := b.Len()
	b.WriteString("xref\n0 5\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 4; i++ {
		off := strconv.Itoa(offsets[i])
		b.WriteString(strings.Repeat("0", 10-len(off)) + off + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size 5 /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xref))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}
