package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/repositories"
)

const (
	programsCollection   = "programs"
	categoriesCollection = "categories"
)

// Catalog documents are maintained by the content team, prices are plain numbers there.
type programDocument struct {
	Title       string               `firestore:"title"`
	CategoryID  string               `firestore:"categoryId"`
	Hours       int                  `firestore:"hours"`
	Price       float64              `firestore:"price"`
	SubPrograms []subProgramDocument `firestore:"subPrograms,omitempty"`
	Deleted     bool                 `firestore:"deleted,omitempty"`
}

type subProgramDocument struct {
	Title string  `firestore:"title"`
	Hours int     `firestore:"hours"`
	Price float64 `firestore:"price"`
}

type categoryDocument struct {
	Name    string `firestore:"name"`
	Type    string `firestore:"type"`
	Deleted bool   `firestore:"deleted,omitempty"`
}

// CatalogRepository resolves programs and categories referenced by carts.
type CatalogRepository struct {
	programs   *pfirestore.BaseRepository[programDocument]
	categories *pfirestore.BaseRepository[categoryDocument]
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository constructs the read-only catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		programs:   pfirestore.NewBaseRepository[programDocument](provider, programsCollection),
		categories: pfirestore.NewBaseRepository[categoryDocument](provider, categoriesCollection),
	}, nil
}

// GetProgram loads a program. Soft-deleted programs are reported as not found.
func (r *CatalogRepository) GetProgram(ctx context.Context, programID string) (domain.Program, error) {
	programID = strings.TrimSpace(programID)
	doc, err := r.programs.Get(ctx, programID)
	if err != nil {
		return domain.Program{}, err
	}
	if doc.Data.Deleted {
		return domain.Program{}, pfirestore.NotFoundError("programs.get", "program "+programID+" is deleted")
	}

	program := domain.Program{
		ID:         doc.ID,
		Title:      doc.Data.Title,
		CategoryID: doc.Data.CategoryID,
		Hours:      doc.Data.Hours,
		Price:      domain.RoundMoney(decimal.NewFromFloat(doc.Data.Price)),
	}
	for _, sub := range doc.Data.SubPrograms {
		program.SubPrograms = append(program.SubPrograms, domain.SubProgram{
			Title: sub.Title,
			Hours: sub.Hours,
			Price: domain.RoundMoney(decimal.NewFromFloat(sub.Price)),
		})
	}
	return program, nil
}

// GetCategory loads a category.
func (r *CatalogRepository) GetCategory(ctx context.Context, categoryID string) (domain.Category, error) {
	categoryID = strings.TrimSpace(categoryID)
	doc, err := r.categories.Get(ctx, categoryID)
	if err != nil {
		return domain.Category{}, err
	}
	if doc.Data.Deleted {
		return domain.Category{}, pfirestore.NotFoundError("categories.get", "category "+categoryID+" is deleted")
	}
	return domain.Category{
		ID:   doc.ID,
		Name: doc.Data.Name,
		Type: domain.CategoryType(doc.Data.Type),
	}, nil
}
