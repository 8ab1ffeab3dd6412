// Package docslice maps chunk numbers to page windows of the source
// document. Each call yields a disjoint, order-preserving slice.
package docslice

import (
	"fmt"

	"github.com/ledongthuc/pdf"
)

const DefaultPagesPerChunk = 3

// Slicer computes the page window covered by each chunk.
type Slicer struct {
	pagesPerChunk int
}

// New returns a slicer with the given window size (pages per chunk).
func New(pagesPerChunk int) *Slicer {
	if pagesPerChunk <= 0 {
		pagesPerChunk = DefaultPagesPerChunk
	}
	return &Slicer{pagesPerChunk: pagesPerChunk}
}

// PagesPerChunk returns the configured window size.
func (s *Slicer) PagesPerChunk() int {
	return s.pagesPerChunk
}

// Range returns the 1-based inclusive page window for chunkNumber.
// ok is false when the document is exhausted, i.e. the window would start
// past totalPages.
func (s *Slicer) Range(chunkNumber, totalPages int) (start, end int, ok bool) {
	if chunkNumber < 1 || totalPages < 1 {
		return 0, 0, false
	}
	start = (chunkNumber-1)*s.pagesPerChunk + 1
	if start > totalPages {
		return 0, 0, false
	}
	end = start + s.pagesPerChunk - 1
	if end > totalPages {
		end = totalPages
	}
	return start, end, true
}

// ChunkCount returns how many chunks a document of totalPages yields.
func (s *Slicer) ChunkCount(totalPages int) int {
	if totalPages < 1 {
		return 0
	}
	return (totalPages + s.pagesPerChunk - 1) / s.pagesPerChunk
}

// CountPages opens a PDF file and returns its page count.
func CountPages(path string) (int, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	total := reader.NumPage()
	if total < 1 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return total, nil
}
