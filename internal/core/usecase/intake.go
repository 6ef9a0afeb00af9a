package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

// IntakeUseCase turns a captured artifact into a registry document.
type IntakeUseCase struct {
	registry *DocumentRegistry
	pages    ports.PageCounter
	clock    ports.Clock
}

func NewIntakeUseCase(registry *DocumentRegistry, pages ports.PageCounter, clock ports.Clock) *IntakeUseCase {
	if clock == nil {
		clock = systemClock{}
	}
	return &IntakeUseCase{registry: registry, pages: pages, clock: clock}
}

// Import creates the document. A zero page count is read from the file for
// PDFs and defaults to one page for images. An empty title becomes
// "Scan <date>".
func (uc *IntakeUseCase) Import(ctx context.Context, title, localPath string, pages int) (domain.DocumentRecord, error) {
	localPath = strings.TrimSpace(localPath)
	if localPath == "" {
		return domain.DocumentRecord{}, domain.WrapError(domain.ErrInvalidInput, "import document", errors.New("empty local path"))
	}
	if pages < 0 {
		return domain.DocumentRecord{}, domain.WrapError(domain.ErrInvalidInput, "import document", fmt.Errorf("negative page count %d", pages))
	}

	if pages == 0 {
		counted, err := uc.countPages(ctx, localPath)
		if err != nil {
			return domain.DocumentRecord{}, err
		}
		pages = counted
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Scan " + uc.clock.Now().Format("2006-01-02 15:04")
	}

	rec, err := uc.registry.Create(ctx, title, localPath, pages)
	if err != nil {
		return domain.DocumentRecord{}, fmt.Errorf("create document: %w", err)
	}
	return rec, nil
}

func (uc *IntakeUseCase) countPages(ctx context.Context, localPath string) (int, error) {
	if uc.pages == nil || !strings.EqualFold(filepath.Ext(localPath), ".pdf") {
		return 1, nil
	}
	n, err := uc.pages.CountPages(ctx, localPath)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	if n < 1 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "count pdf pages", fmt.Errorf("pdf %s has no pages", filepath.Base(localPath)))
	}
	return n, nil
}
