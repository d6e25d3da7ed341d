package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"
)

const (
	pageMarginLeft   = 40
	pageMarginRight  = 40
	pageMarginTop    = 50
	pageMarginBottom = 40
	cellPadding      = 3
	bodyLineHeight   = 12
)

var headingSizes = map[int]float64{1: 14, 2: 12, 3: 11, 4: 10}

// WritePDF renders blocks to a Letter-sized PDF at path.
func WritePDF(path string, blocks []Block) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(pageMarginLeft, pageMarginTop, pageMarginRight)
	pdf.SetAutoPageBreak(true, pageMarginBottom)
	pdf.AddPage()
	w := &pdfWriter{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	for _, b := range blocks {
		w.block(b)
		if err := pdf.Error(); err != nil {
			return fmt.Errorf("render %s block: %w", b.Kind, err)
		}
	}
	return pdf.OutputFileAndClose(path)
}

type pdfWriter struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func (w *pdfWriter) contentWidth() float64 {
	pageW, _ := w.pdf.GetPageSize()
	left, _, right, _ := w.pdf.GetMargins()
	return pageW - left - right
}

func (w *pdfWriter) ensureSpace(h float64) bool {
	_, pageH := w.pdf.GetPageSize()
	_, _, _, bottom := w.pdf.GetMargins()
	if w.pdf.GetY()+h > pageH-bottom {
		w.pdf.AddPage()
		return true
	}
	return false
}

func (w *pdfWriter) block(b Block) {
	pdf := w.pdf
	switch b.Kind {
	case BlockLogo, BlockImage:
		w.ensureSpace(b.Height)
		x := pageMarginLeft + (w.contentWidth()-b.Width)/2
		if b.Kind == BlockLogo {
			x = pageMarginLeft
		}
		pdf.ImageOptions(b.Path, x, pdf.GetY(), b.Width, b.Height, false, fpdf.ImageOptions{ReadDpi: false}, 0, "")
		pdf.SetY(pdf.GetY() + b.Height)
	case BlockTitle:
		pdf.SetFont("Helvetica", "B", 18)
		pdf.SetTextColor(0, 0, 0)
		pdf.MultiCell(0, 22, w.tr(b.Text), "", "C", false)
	case BlockHeading:
		size, ok := headingSizes[b.Level]
		if !ok {
			size = 10
		}
		w.ensureSpace(size * 3)
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", size)
		pdf.SetTextColor(0x22, 0x22, 0x22)
		pdf.MultiCell(0, size+4, w.tr(b.Text), "", "L", false)
	case BlockParagraph, BlockBullet:
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(0, 0, 0)
		pdf.MultiCell(0, bodyLineHeight, w.tr(b.Text), "", "L", false)
	case BlockCaption:
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(0x55, 0x55, 0x55)
		pdf.MultiCell(0, 10, w.tr(b.Text), "", "C", false)
	case BlockFooter:
		pdf.Ln(12)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(0x66, 0x66, 0x66)
		pdf.MultiCell(0, 10, w.tr(b.Text), "", "L", false)
	case BlockSpacer:
		pdf.Ln(b.Space)
	case BlockTable:
		w.table(b)
	}
}

func (w *pdfWriter) cellLines(text string, width float64) []string {
	var lines []string
	for _, part := range strings.Split(w.tr(text), "\n") {
		if part == "" {
			lines = append(lines, "")
			continue
		}
		lines = append(lines, w.pdf.SplitText(part, width-2*cellPadding)...)
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	return lines
}

type rowStyle struct {
	header   bool
	shaded   bool
	boldKeys bool
}

func (w *pdfWriter) measure(cells []string, widths []float64) ([][]string, float64) {
	w.pdf.SetFont("Helvetica", "", 9)
	wrapped := make([][]string, len(widths))
	maxLines := 1
	for i := range widths {
		text := ""
		if i < len(cells) {
			text = cells[i]
		}
		wrapped[i] = w.cellLines(text, widths[i])
		if len(wrapped[i]) > maxLines {
			maxLines = len(wrapped[i])
		}
	}
	return wrapped, float64(maxLines)*11 + 2*cellPadding
}

func (w *pdfWriter) row(wrapped [][]string, widths []float64, height float64, st rowStyle) {
	pdf := w.pdf
	x, y := float64(pageMarginLeft), pdf.GetY()
	switch {
	case st.header:
		pdf.SetFillColor(0xf5, 0xf5, 0xf5)
	case st.shaded:
		pdf.SetFillColor(0xfa, 0xfa, 0xfa)
	default:
		pdf.SetFillColor(0xff, 0xff, 0xff)
	}
	pdf.SetDrawColor(0xbb, 0xbb, 0xbb)
	pdf.SetLineWidth(0.25)
	for i, width := range widths {
		style := ""
		if st.header || (st.boldKeys && i%2 == 0) {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 9)
		pdf.Rect(x, y, width, height, "FD")
		for j, line := range wrapped[i] {
			pdf.SetXY(x+cellPadding, y+cellPadding+float64(j)*11)
			pdf.CellFormat(width-2*cellPadding, 11, line, "", 0, "L", false, 0, "")
		}
		x += width
	}
	pdf.SetXY(pageMarginLeft, y+height)
}

// table draws a bordered grid and repeats the header row after page breaks.
func (w *pdfWriter) table(b Block) {
	if len(b.Widths) == 0 {
		return
	}
	w.pdf.SetTextColor(0x22, 0x22, 0x22)
	boldKeys := len(b.Header) > 0 && b.Header[0] == "Field"

	var header [][]string
	var headerH float64
	if len(b.Header) > 0 {
		header, headerH = w.measure(b.Header, b.Widths)
	}
	drawHeader := func() {
		if header != nil {
			w.row(header, b.Widths, headerH, rowStyle{header: true})
		}
	}

	first := true
	for i, cells := range b.Rows {
		wrapped, h := w.measure(cells, b.Widths)
		need := h
		if first {
			need += headerH
		}
		if w.ensureSpace(need) || first {
			drawHeader()
		}
		first = false
		w.row(wrapped, b.Widths, h, rowStyle{shaded: len(b.Rows) > 1 && i%2 == 1, boldKeys: boldKeys})
	}
	if len(b.Rows) == 0 {
		w.ensureSpace(headerH)
		drawHeader()
	}
}
