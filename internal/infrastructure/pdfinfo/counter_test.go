package pdfinfo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

// writePDF writes a minimal, well-formed PDF with the given number of blank
// pages and a correct cross-reference table.
func writePDF(t *testing.T, pages int) string {
	t.Helper()

	objects := []string{"<< /Type /Catalog /Pages 2 0 R >>"}
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)

	path := filepath.Join(t.TempDir(), "scan.pdf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
	return path
}

func TestCountPages(t *testing.T) {
	counter := NewCounter()
	for _, pages := range []int{1, 3} {
		n, err := counter.CountPages(context.Background(), writePDF(t, pages))
		if err != nil {
			t.Fatalf("CountPages() error = %v", err)
		}
		if n != pages {
			t.Fatalf("CountPages() = %d, want %d", n, pages)
		}
	}
}

func TestCountPagesRejectsBadInput(t *testing.T) {
	counter := NewCounter()
	dir := t.TempDir()

	if _, err := counter.CountPages(context.Background(), filepath.Join(dir, "missing.pdf")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a missing file, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.pdf")
	if err := os.WriteFile(garbage, []byte("definitely not a pdf"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := counter.CountPages(context.Background(), garbage); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for garbage, got %v", err)
	}
}
