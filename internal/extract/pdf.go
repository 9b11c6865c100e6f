// Package extract pulls page-wise plain text out of uploaded PDF files.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnreadablePDF is returned for corrupt, encrypted, or empty input.
var ErrUnreadablePDF = errors.New("unreadable PDF")

// Page is the extracted text of a single PDF page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Result holds the extraction output for a whole document.
type Result struct {
	PageCount int
	Pages     []Page
}

// Extract parses the PDF bytes and returns trimmed per-page text. Pages
// without any text are skipped, matching the page numbering of the source
// document rather than the result slice. PageCount reports the document's
// total page count, including skipped pages.
func Extract(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty file", ErrUnreadablePDF)
	}

	res, err := extract(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	if len(res.Pages) == 0 {
		return Result{}, fmt.Errorf("%w: no extractable text", ErrUnreadablePDF)
	}
	return res, nil
}

func extract(data []byte) (res Result, err error) {
	// The pdf reader panics on some malformed xref tables; convert to an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, err
	}

	total := reader.NumPage()
	res.PageCount = total

	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page degrades to a gap, not a failure.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		res.Pages = append(res.Pages, Page{Number: i, Text: text})
	}

	return res, nil
}
