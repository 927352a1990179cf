package lhp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/auth"
)

// CareRelations answers whether a doctor has treated a patient. The
// clinical event store implements it.
type CareRelations interface {
	HasRelationship(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}

type Handler struct {
	svc       *Service
	relations CareRelations
}

func NewHandler(svc *Service, relations CareRelations) *Handler {
	return &Handler{svc: svc, relations: relations}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/lhp")
	g.GET("/:patientId", h.GetLhp)
	g.POST("/:patientId/entries", h.CreateEntry)
}

// authorize lets patients read their own profile, doctors read profiles of
// patients they have an encounter with, and staff and admins read any.
func (h *Handler) authorize(ctx context.Context, id auth.Identity, patientID uuid.UUID) error {
	switch r := id.Role.(type) {
	case auth.Patient:
		if r.PatientID != patientID {
			return apperr.Forbidden("patients may only access their own profile")
		}
	case auth.Doctor:
		ok, err := h.relations.HasRelationship(ctx, r.DoctorID, patientID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbidden("no care relationship with this patient")
		}
	case auth.Staff, auth.Admin:
	default:
		return apperr.Forbidden("role may not access profiles")
	}
	return nil
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func (h *Handler) GetLhp(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.authorize(ctx, caller, patientID); err != nil {
		return apperr.ToHTTP(err)
	}
	profile, err := h.svc.GetLhp(ctx, patientID, caller.Role)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, profile)
}

type createEntryRequest struct {
	Category string          `json:"category"`
	Entry    json.RawMessage `json:"entry"`
}

func (h *Handler) CreateEntry(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	var req createEntryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fields, err := DecodeFields(req.Category, req.Entry)
	if err != nil {
		return apperr.ToHTTP(err)
	}

	ctx := c.Request().Context()
	if err := h.authorize(ctx, caller, patientID); err != nil {
		return apperr.ToHTTP(err)
	}
	entry, err := h.svc.CreateManualEntry(ctx, patientID, fields, caller)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, entry)
}
