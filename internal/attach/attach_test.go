package attach

import (
	"strings"
	"testing"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

func TestMIMEFromName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"report.PDF":  "application/pdf",
		"notes.md":    "text/markdown",
		"photo.jpeg":  "image/jpeg",
		"legacy.doc":  "application/msword",
		"mystery.bin": "application/octet-stream",
	}
	for name, want := range cases {
		if got := MIMEFromName(name); got != want {
			t.Fatalf("MIMEFromName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestPrepareRejectsLegacyDoc(t *testing.T) {
	t.Parallel()

	_, err := Prepare([]File{{Name: "old.doc", Bytes: []byte("x")}}, nil)
	if err == nil || !strings.Contains(err.Error(), ".docx") {
		t.Fatalf("expected conversion hint, got %v", err)
	}
}

func TestPrepareSingleImageGoesNativeEverywhere(t *testing.T) {
	t.Parallel()

	bundle, err := Prepare([]File{{Name: "photo.png", Bytes: []byte("png")}}, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, kind := range contracts.Kinds() {
		native, extracted := bundle.ForKind(kind)
		if native == nil || native.MIME != "image/png" || extracted != "" {
			t.Fatalf("kind %s: native=%v extracted=%q", kind, native, extracted)
		}
	}
}

func TestPrepareSinglePDFSplitsByBackend(t *testing.T) {
	t.Parallel()

	bundle, err := Prepare([]File{{Name: "paper.pdf", Bytes: []byte("%PDF")}}, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	native, extracted := bundle.ForKind(contracts.KindGemini)
	if native == nil || native.MIME != "application/pdf" || extracted != "" {
		t.Fatalf("gemini must get the PDF natively: native=%v extracted=%q", native, extracted)
	}

	for _, kind := range []contracts.Kind{contracts.KindOpenAI, contracts.KindAnthropic} {
		native, extracted := bundle.ForKind(kind)
		if native != nil || extracted == "" {
			t.Fatalf("kind %s must get extracted text: native=%v extracted=%q", kind, native, extracted)
		}
	}
}

func TestPrepareMultipleFilesCombineAsText(t *testing.T) {
	t.Parallel()

	bundle, err := Prepare([]File{
		{Name: "a.txt", Bytes: []byte("alpha")},
		{Name: "b.md", Bytes: []byte("beta")},
	}, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	native, extracted := bundle.ForKind(contracts.KindGemini)
	if native != nil {
		t.Fatalf("multiple files must never go native")
	}
	if !strings.Contains(extracted, "alpha") || !strings.Contains(extracted, "beta") {
		t.Fatalf("extracted = %q", extracted)
	}
	if !strings.Contains(extracted, "[File: a.txt]") {
		t.Fatalf("extracted must label files: %q", extracted)
	}
}

func TestComposeMessage(t *testing.T) {
	t.Parallel()

	if got := ComposeMessage("hi", ""); got != "hi" {
		t.Fatalf("no attachment must pass through: %q", got)
	}
	got := ComposeMessage("hi", "doc text")
	if !strings.HasPrefix(got, "doc text") || !strings.Contains(got, "[User Query]\nhi") {
		t.Fatalf("composed = %q", got)
	}
}

func TestPlainTextExtractorFallsBackWithWarning(t *testing.T) {
	t.Parallel()

	text, err := PlainTextExtractor{}.Extract(File{Name: "slides.docx", Bytes: []byte{0x50, 0x4b}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "could not be converted") {
		t.Fatalf("expected warning fallback, got %q", text)
	}
}

func TestEmptyBundle(t *testing.T) {
	t.Parallel()

	bundle, err := Prepare(nil, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !bundle.Empty() {
		t.Fatalf("expected empty bundle")
	}
}
