package suggestion

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/auth"
	"github.com/ehr/lhp/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/suggestions", auth.RequireRole(auth.KindDoctor))
	g.GET("", h.ListPending)
	g.POST("", h.Create)
	g.POST("/:id/action", h.Act)
}

// ListPending returns the caller's pending suggestions. Admins name the
// doctor with ?doctor_id=.
func (h *Handler) ListPending(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	doctorID, ok := caller.DoctorID()
	if !ok {
		id, err := uuid.Parse(c.QueryParam("doctor_id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "doctor_id query parameter is required")
		}
		doctorID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPendingForDoctor(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Suggestion{}
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) Create(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if doctorID, ok := caller.DoctorID(); ok {
		if in.DoctorID == uuid.Nil {
			in.DoctorID = doctorID
		} else if in.DoctorID != doctorID {
			return apperr.ToHTTP(apperr.Forbidden("doctors may only create suggestions for themselves"))
		}
	}
	sg, err := in.Suggestion()
	if err != nil {
		return apperr.ToHTTP(err)
	}
	created, err := h.svc.Create(c.Request().Context(), sg)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, created)
}

type actBody struct {
	Action      string          `json:"action"`
	EditedEntry json.RawMessage `json:"edited_entry,omitempty"`
}

// Act accepts or rejects a suggestion. Accept answers with the created
// entry, reject with the updated suggestion.
func (h *Handler) Act(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	doctorID, ok := caller.DoctorID()
	if !ok {
		return apperr.ToHTTP(apperr.Forbidden("only doctors act on suggestions"))
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body actBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := ParseAction(body.Action)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	req := ActRequest{
		SuggestionID:   id,
		ActingUserID:   caller.UserID,
		ActingDoctorID: doctorID,
		EditedEntry:    body.EditedEntry,
	}
	ctx := c.Request().Context()
	if action == ActionReject {
		rejected, err := h.svc.Reject(ctx, req)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, rejected)
	}
	entry, err := h.svc.Accept(ctx, req)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, entry)
}
