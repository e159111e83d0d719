package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tdm-project/tdmq/internal/source"
)

type ListCategoriesOutput struct {
	Body struct {
		EntityCategories []source.EntityCategory `json:"entity_categories"`
	}
}

type ListTypesInput struct {
	Category string `query:"entity_category" doc:"Restrict to one category"`
}

type ListTypesOutput struct {
	Body struct {
		EntityTypes []source.EntityType `json:"entity_types"`
	}
}

type TaxonomyHandler struct {
	backend Backend
}

func NewTaxonomyHandler(backend Backend) *TaxonomyHandler {
	return &TaxonomyHandler{backend: backend}
}

func registerTaxonomyRoutes(api huma.API, h *TaxonomyHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-entity-categories",
		Method:      http.MethodGet,
		Path:        "/v1/entity_categories",
		Summary:     "List entity categories",
		Tags:        []string{"taxonomy"},
	}, h.ListCategories)

	huma.Register(api, huma.Operation{
		OperationID: "list-entity-types",
		Method:      http.MethodGet,
		Path:        "/v1/entity_types",
		Summary:     "List entity types",
		Tags:        []string{"taxonomy"},
	}, h.ListTypes)
}

func (h *TaxonomyHandler) ListCategories(ctx context.Context, _ *struct{}) (*ListCategoriesOutput, error) {
	out := &ListCategoriesOutput{}
	out.Body.EntityCategories = h.backend.EntityCategories()
	return out, nil
}

func (h *TaxonomyHandler) ListTypes(ctx context.Context, input *ListTypesInput) (*ListTypesOutput, error) {
	out := &ListTypesOutput{}
	out.Body.EntityTypes = h.backend.EntityTypes(input.Category)
	return out, nil
}
