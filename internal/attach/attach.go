// Package attach prepares in-memory upload files for dispatch: MIME
// detection, per-backend routing between native passthrough and text
// extraction, and composition of extracted text into the outgoing message.
package attach

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

// File is one uploaded attachment held in memory.
type File struct {
	Name  string
	Bytes []byte
}

// Extractor converts a document attachment to plain text. Format-specific
// parsing lives behind this interface; the default implementation handles
// text formats and falls back to a warning for binary documents.
type Extractor interface {
	Extract(file File) (string, error)
}

var mimeByExt = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".doc":  "application/msword",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// MIMEFromName maps a filename to its MIME type by extension.
func MIMEFromName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mime, ok := mimeByExt[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// Bundle is the prepared view of a run's attachments, consulted per panel.
type Bundle struct {
	nativeAll    *contracts.NativeFile
	nativeGemini *contracts.NativeFile
	extracted    string
}

// Empty reports whether the bundle carries no attachment content.
func (b *Bundle) Empty() bool {
	return b == nil || (b.nativeAll == nil && b.nativeGemini == nil && b.extracted == "")
}

// ForKind returns the native file (if the backend takes this attachment
// natively) and the extracted text to inline otherwise.
func (b *Bundle) ForKind(kind contracts.Kind) (*contracts.NativeFile, string) {
	if b == nil {
		return nil, ""
	}
	if b.nativeAll != nil {
		return b.nativeAll, ""
	}
	if kind == contracts.KindGemini && b.nativeGemini != nil {
		return b.nativeGemini, ""
	}
	return nil, b.extracted
}

// Prepare routes files by format: single images go native everywhere, a
// single PDF goes native to Gemini and extracted elsewhere, DOCX is always
// extracted, legacy .doc is rejected, and multiple files are always combined
// as extracted text.
func Prepare(files []File, extractor Extractor) (*Bundle, error) {
	if len(files) == 0 {
		return &Bundle{}, nil
	}
	for _, file := range files {
		if MIMEFromName(file.Name) == "application/msword" {
			return nil, fmt.Errorf("legacy .doc format is not supported, please convert %q to .docx or PDF", file.Name)
		}
	}

	if len(files) == 1 {
		file := files[0]
		mime := MIMEFromName(file.Name)
		native := &contracts.NativeFile{Bytes: file.Bytes, MIME: mime, Name: file.Name}
		switch {
		case strings.HasPrefix(mime, "image/"):
			return &Bundle{nativeAll: native}, nil
		case mime == "application/pdf":
			extracted, err := extractAll([]File{file}, extractor)
			if err != nil {
				return nil, err
			}
			return &Bundle{nativeGemini: native, extracted: extracted}, nil
		}
	}

	extracted, err := extractAll(files, extractor)
	if err != nil {
		return nil, err
	}
	return &Bundle{extracted: extracted}, nil
}

func extractAll(files []File, extractor Extractor) (string, error) {
	if extractor == nil {
		extractor = PlainTextExtractor{}
	}
	var sections []string
	for _, file := range files {
		text, err := extractor.Extract(file)
		if err != nil {
			return "", fmt.Errorf("extract %q: %w", file.Name, err)
		}
		sections = append(sections, fmt.Sprintf("[File: %s]\n%s", file.Name, strings.TrimSpace(text)))
	}
	return strings.Join(sections, "\n\n"), nil
}

// ComposeMessage prepends extracted attachment text to the user message.
func ComposeMessage(message, extracted string) string {
	if extracted == "" {
		return message
	}
	return fmt.Sprintf("%s\n\n---\n\n[User Query]\n%s", extracted, message)
}

// PlainTextExtractor handles text formats directly and substitutes a warning
// for binary documents it cannot parse.
type PlainTextExtractor struct{}

// Extract implements Extractor.
func (PlainTextExtractor) Extract(file File) (string, error) {
	mime := MIMEFromName(file.Name)
	switch {
	case strings.HasPrefix(mime, "text/"), mime == "application/json":
		return string(file.Bytes), nil
	default:
		return fmt.Sprintf("[Attachment %q (%s) could not be converted to text on this server]", file.Name, mime), nil
	}
}
