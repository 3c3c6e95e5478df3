// Package export renders published stories as PDF or DOCX.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation.
type Request struct {
	StoryID string
	// Version is "latest" or a manuscript commit hash.
	Version string
	Format  Format
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// DownloadURL is set when the file was archived in object storage.
	DownloadURL string
}

// TemplateData holds the story fields rendered into the HTML template.
type TemplateData struct {
	Title       string
	Description string
	Language    string
	Genre       string
	Authors     []string
	Paragraphs  []string
	PublishedAt time.Time
}

var (
	ErrContentUnavailable    = errors.New("export content unavailable")
	ErrNotPublished          = errors.New("only published stories can be exported")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
