package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/common/units"
	"github.com/gomutex/godocx/docx"
)

const (
	pointsPerInch   = 72
	maxHeadingLevel = 9
	docxTableStyle  = "LightList-Accent4"
)

// WriteDOCX renders blocks to a Word document at path.
func WriteDOCX(path string, blocks []Block) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	doc, err := godocx.NewDocument()
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	for _, blk := range blocks {
		if err := writeDOCXBlock(doc, blk); err != nil {
			return err
		}
	}
	return doc.SaveTo(path)
}

func writeDOCXBlock(doc *docx.RootDoc, blk Block) error {
	switch blk.Kind {
	case BlockTitle:
		_, err := doc.AddHeading(blk.Text, 0)
		return err
	case BlockHeading:
		level := uint(min(max(blk.Level, 1), maxHeadingLevel))
		_, err := doc.AddHeading(blk.Text, level)
		return err
	case BlockParagraph, BlockFooter:
		for _, line := range strings.Split(blk.Text, "\n") {
			doc.AddParagraph(line)
		}
	case BlockBullet:
		doc.AddParagraph(blk.Text).Style("List Bullet")
	case BlockCaption:
		doc.AddParagraph("").AddText(blk.Text).Italic(true)
	case BlockTable:
		writeDOCXTable(doc, blk)
	case BlockLogo, BlockImage:
		w, h := units.Inch(blk.Width/pointsPerInch), units.Inch(blk.Height/pointsPerInch)
		if _, err := doc.AddPicture(blk.Path, w, h); err != nil {
			return fmt.Errorf("embed image %s: %w", blk.Path, err)
		}
	case BlockSpacer:
		// Paragraph spacing already separates blocks.
	}
	return nil
}

// writeDOCXTable bolds the header row and, for Field/Value tables, the key
// columns.
func writeDOCXTable(doc *docx.RootDoc, blk Block) {
	boldKeys := len(blk.Header) > 0 && blk.Header[0] == "Field"
	tbl := doc.AddTable()
	tbl.Style(docxTableStyle)

	addRow := func(cells []string, header bool) {
		row := tbl.AddRow()
		for i := range max(len(blk.Widths), len(cells)) {
			text := ""
			if i < len(cells) {
				text = cells[i]
			}
			run := row.AddCell().AddParagraph("").AddText(text)
			if header || (boldKeys && i%2 == 0) {
				run.Bold(true)
			}
		}
	}
	if len(blk.Header) > 0 {
		addRow(blk.Header, true)
	}
	for _, r := range blk.Rows {
		addRow(r, false)
	}
}
