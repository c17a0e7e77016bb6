package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// systemPrompt frames every request to a model backend
const systemPrompt = "You extract fields from invoices and bills. Read every line of text in the images before answering."

// invoicePrompt is shared by every model backend. Multi-page documents arrive
// as several images in page order.
const invoicePrompt = `Report the fields you can find in this invoice. It may span several images, one per page.

Field types:
- TOTAL: the final amount due, grand total or invoice total. Copy the text as printed, e.g. "$1,234.50".
- VENDOR_NAME: the business that issued the invoice, usually at the top of the document.

Return ONLY valid JSON in this exact format:
{
  "fields": [
    {"type": "TOTAL", "text": "..."},
    {"type": "VENDOR_NAME", "text": "..."}
  ]
}

Omit a field you cannot find. Do not include any text before or after the JSON.`

// maxPDFPages bounds how many pages of a PDF are sent to a model. Totals of
// multi-page invoices usually sit on the last page, so a PDF longer than this
// contributes its first and last pages.
const maxPDFPages = 3

// renderPDF rasterises the pages of a PDF that the models get to see
func renderPDF(data []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	pages := make([][]byte, 0, min(total, maxPDFPages))
	for _, n := range selectPages(total, maxPDFPages) {
		img, err := doc.Image(n)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}
		out, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, out)
	}
	return pages, nil
}

// selectPages picks the leading pages plus the last one when a document has more than limit pages
func selectPages(total, limit int) []int {
	if limit <= 0 {
		limit = 1
	}
	if total <= limit {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i
		}
		return pages
	}
	pages := make([]int, 0, limit)
	for i := 0; i < limit-1; i++ {
		pages = append(pages, i)
	}
	return append(pages, total-1)
}

// decodeImage decodes HEIC/HEIF through the heic package and everything else
// through the registered image decoders
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if isHEIC(data, mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s image: %w", mimeType, err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEIC checks the ftyp brand at offset 4 and the declared MIME type
func isHEIC(data []byte, mimeType string) bool {
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		switch string(data[8:12]) {
		case "heic", "heif", "mif1", "msf1":
			return true
		}
	}
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// baseMIMEType strips parameters and normalises case
func baseMIMEType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}

// renderPages turns a stored document into the PNG pages sent to a vision model.
// PNG input passes through untouched.
func renderPages(data []byte, contentType string) ([][]byte, error) {
	mimeType := baseMIMEType(contentType)
	if mimeType == "application/pdf" {
		pages, err := renderPDF(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to images: %w", err)
		}
		return pages, nil
	}
	if mimeType == "image/png" && !isHEIC(data, mimeType) {
		return [][]byte{data}, nil
	}

	img, err := decodeImage(data, mimeType)
	if err == nil {
		var out []byte
		if out, err = encodePNG(img); err == nil {
			return [][]byte{out}, nil
		}
	}
	return nil, fmt.Errorf("converting image to PNG: %w", err)
}
