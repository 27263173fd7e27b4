// Package api exposes the member ledger HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"duespay/internal/common/api"
	"duespay/internal/common/database"
	"duespay/internal/ledger"
)

// Handler handles member ledger HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the member routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.RegisterMember)
	r.Get("/", h.ListMembers)
	r.Get("/{id}", h.GetMember)
	r.Post("/{id}/dues", h.AddDues)
	r.Post("/{id}/charges", h.CreateCharge)
	r.Get("/{id}/payments", h.ListPayments)

	return r
}

// RegisterMember handles POST /members
func (h *Handler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req ledger.RegisterMemberRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		api.InternalError(w, "failed to register member")
		return
	}

	api.WriteData(w, http.StatusCreated, member)
}

// ListMembers handles GET /members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 100)

	members, total, err := h.service.ListMembers(r.Context(), params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list members")
		return
	}

	api.WritePaginated(w, members, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(members)) < total,
	})
}

// GetMember handles GET /members/{id}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "member ID required")
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "member not found")
			return
		}
		api.InternalError(w, "failed to get member")
		return
	}

	api.WriteData(w, http.StatusOK, member)
}

// AddDuesRequest is the API request for adding outstanding periods
type AddDuesRequest struct {
	Periods []string `json:"periods" validate:"required,min=1,dive,len=7"`
}

// AddDues handles POST /members/{id}/dues
func (h *Handler) AddDues(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "member ID required")
		return
	}

	var req AddDuesRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	member, err := h.service.AddDues(r.Context(), id, req.Periods)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "member not found")
		case database.IsConflict(err):
			api.Conflict(w, "member changed concurrently, retry")
		default:
			api.BadRequest(w, err.Error())
		}
		return
	}

	api.WriteData(w, http.StatusOK, member)
}

// CreateCharge handles POST /members/{id}/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "member ID required")
		return
	}

	var req ledger.CreateChargeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	info, err := h.service.CreateCharge(r.Context(), id, req)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "member not found")
		case database.IsConflict(err):
			api.Conflict(w, "member already has a charge in flight")
		default:
			api.BadRequest(w, err.Error())
		}
		return
	}

	api.WriteData(w, http.StatusCreated, info)
}

// ListPayments handles GET /members/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "member ID required")
		return
	}

	params := api.GetPaginationParams(r, 50, 100)

	payments, total, err := h.service.ListPayments(r.Context(), id, params.Limit, params.Offset)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "member not found")
			return
		}
		api.InternalError(w, "failed to list payments")
		return
	}

	api.WritePaginated(w, payments, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(payments)) < total,
	})
}
