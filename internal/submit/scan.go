// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package submit

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/pdiddy/docbatch/internal/layout"
	"github.com/pdiddy/docbatch/pkg/types"
)

// PageCounter returns the page count of a PDF, or an error if the file is
// not a readable PDF.
type PageCounter func(path string) (int, error)

// PDFPageCount inspects the file with pdfcpu.
func PDFPageCount(path string) (int, error) {
	return api.PageCountFile(path)
}

// Candidate is an inbox file that passed validation.
type Candidate struct {
	Path  string
	Name  string
	Size  int64
	Pages int
}

// Rejection is an inbox file refused before any network call.
type Rejection struct {
	Path string
	Name string
	Size int64
	Err  *types.ValidationError
}

// Scanner validates inbox files.
type Scanner struct {
	Config types.SubmissionConfig

	// CountPages inspects PDFs. When nil PDFs are accepted unchecked.
	CountPages PageCounter
}

// Scan lists the regular files directly under inboxDir in name order and
// splits them into candidates and rejections. Hidden files are ignored.
func (s Scanner) Scan(inboxDir string) ([]Candidate, []Rejection, error) {
	entries, err := os.ReadDir(inboxDir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, &types.LocalIOError{Op: "reading inbox", Path: inboxDir, Err: err}
	}

	var (
		candidates []Candidate
		rejections []Rejection
	)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(inboxDir, e.Name())
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		c, verr := s.check(path, info.Size())
		if verr != nil {
			rejections = append(rejections, Rejection{Path: path, Name: layout.NameFor(path), Size: info.Size(), Err: verr})
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, rejections, nil
}

func (s Scanner) check(path string, size int64) (Candidate, *types.ValidationError) {
	c := Candidate{Path: path, Name: layout.NameFor(path), Size: size}
	ext := strings.ToLower(filepath.Ext(path))

	if c.Name == "" {
		return c, &types.ValidationError{Path: path, Reason: "filename yields an empty document name"}
	}
	if !slices.Contains(s.Config.Extensions, ext) {
		return c, &types.ValidationError{Path: path, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	if size == 0 {
		return c, &types.ValidationError{Path: path, Reason: "file is empty"}
	}
	if s.Config.MaxFileSize > 0 && size > s.Config.MaxFileSize {
		return c, &types.ValidationError{Path: path, Reason: fmt.Sprintf("file is %d bytes, limit is %d", size, s.Config.MaxFileSize)}
	}
	if ext == ".pdf" && s.CountPages != nil {
		pages, err := s.CountPages(path)
		if err != nil {
			return c, &types.ValidationError{Path: path, Reason: fmt.Sprintf("unreadable PDF: %v", err)}
		}
		if pages == 0 {
			return c, &types.ValidationError{Path: path, Reason: "PDF has no pages"}
		}
		c.Pages = pages
	}
	return c, nil
}
