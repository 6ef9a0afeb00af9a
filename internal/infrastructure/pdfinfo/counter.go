package pdfinfo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

// Counter reads page counts from PDF files on the local disk.
type Counter struct{}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) CountPages(ctx context.Context, path string) (n int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, domain.WrapError(domain.ErrInvalidInput, "count pdf pages", fmt.Errorf("parse %s: %v", path, r))
		}
	}()

	file, reader, err := pdf.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, domain.WrapError(domain.ErrInvalidInput, "count pdf pages", err)
		}
		return 0, domain.WrapError(domain.ErrInvalidInput, "count pdf pages", fmt.Errorf("open %s: %w", path, err))
	}
	defer file.Close()

	return reader.NumPage(), nil
}
