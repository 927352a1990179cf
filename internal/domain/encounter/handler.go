package encounter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/auth"
	"github.com/ehr/lhp/pkg/pagination"
)

// Blobs stores capture artifacts.
type Blobs interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Submitter starts extraction for a freshly captured event.
type Submitter interface {
	Submit(ctx context.Context, kind Kind, id uuid.UUID) error
}

// maxCaptureBytes bounds a single audio or image upload.
const maxCaptureBytes = 50 << 20

type Handler struct {
	svc      *Service
	blobs    Blobs
	pipeline Submitter
}

func NewHandler(svc *Service, blobs Blobs, pipeline Submitter) *Handler {
	return &Handler{svc: svc, blobs: blobs, pipeline: pipeline}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	consult := api.Group("/consultations")
	consult.POST("", h.create(KindConsultation), auth.RequireRole(auth.KindDoctor))
	consult.GET("", h.list(KindConsultation), auth.RequireRole(auth.KindDoctor, auth.KindPatient))
	h.registerEventRoutes(consult, KindConsultation)

	rx := api.Group("/prescriptions")
	rx.POST("", h.create(KindPrescription), auth.RequireRole(auth.KindDoctor, auth.KindStaff, auth.KindPatient))
	rx.GET("", h.list(KindPrescription), auth.RequireRole(auth.KindDoctor, auth.KindStaff, auth.KindPatient))
	h.registerEventRoutes(rx, KindPrescription)
	rx.POST("/:id/dispense", h.Dispense, auth.RequireRole(auth.KindStaff))

	api.GET("/patients/:patientId/timeline", h.Timeline)
}

func (h *Handler) registerEventRoutes(g *echo.Group, kind Kind) {
	g.GET("/:id", h.get(kind))
	g.PATCH("/:id/draft", h.applyDraft(kind), auth.RequireRole(auth.KindDoctor, auth.KindStaff))
	g.POST("/:id/verify", h.verify(kind), auth.RequireRole(auth.KindDoctor))
	g.POST("/:id/capture", h.capture(kind), auth.RequireRole(auth.KindDoctor, auth.KindStaff))
	g.POST("/:id/ignore", h.ignore(kind), auth.RequireRole(auth.KindDoctor))
}

func idParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// scopeCreate fills caller-derived ids and rejects creating events on behalf
// of someone else.
func scopeCreate(in *CreateInput, caller auth.Identity) error {
	switch r := caller.Role.(type) {
	case auth.Doctor:
		if in.DoctorID == nil {
			in.DoctorID = &r.DoctorID
		} else if *in.DoctorID != r.DoctorID {
			return apperr.Forbidden("doctors may only create events for themselves")
		}
	case auth.Patient:
		if in.PatientID == uuid.Nil {
			in.PatientID = r.PatientID
		} else if in.PatientID != r.PatientID {
			return apperr.Forbidden("patients may only create their own prescriptions")
		}
	case auth.Staff:
		if in.StaffID == nil {
			in.StaffID = &r.StaffID
		}
	}
	return nil
}

func (h *Handler) create(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		var in CreateInput
		if err := c.Bind(&in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := scopeCreate(&in, caller); err != nil {
			return apperr.ToHTTP(err)
		}
		e, err := h.svc.CreateEvent(c.Request().Context(), kind, in, EditorOf(caller))
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusCreated, e)
	}
}

// listFilter restricts doctors and patients to their own events. Admins and
// staff may filter freely.
func listFilter(c echo.Context, caller auth.Identity) (ListFilter, error) {
	var f ListFilter
	for name, dst := range map[string]**uuid.UUID{"patient_id": &f.PatientID, "doctor_id": &f.DoctorID} {
		if v := c.QueryParam(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("status"); v != "" {
		s := lhp.Status(strings.ToUpper(v))
		f.Status = &s
	}
	switch r := caller.Role.(type) {
	case auth.Doctor:
		f.DoctorID = &r.DoctorID
	case auth.Patient:
		f.PatientID = &r.PatientID
	}
	return f, nil
}

func (h *Handler) list(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		f, err := listFilter(c, caller)
		if err != nil {
			return err
		}
		pg := pagination.FromContext(c)
		items, total, err := h.svc.List(c.Request().Context(), kind, f, pg.Limit, pg.Offset)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
	}
}

func (h *Handler) get(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		id, err := idParam(c, "id")
		if err != nil {
			return err
		}
		e, err := h.svc.GetAs(c.Request().Context(), kind, id, caller)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func (h *Handler) applyDraft(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		id, err := idParam(c, "id")
		if err != nil {
			return err
		}
		var p Payload
		if err := c.Bind(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		e, err := h.svc.ApplyDraftAs(c.Request().Context(), kind, id, p, caller)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func (h *Handler) verify(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		id, err := idParam(c, "id")
		if err != nil {
			return err
		}
		var p Payload
		if err := c.Bind(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		e, err := h.svc.Verify(c.Request().Context(), kind, id, p, caller)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func (h *Handler) ignore(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		id, err := idParam(c, "id")
		if err != nil {
			return err
		}
		e, err := h.svc.Ignore(c.Request().Context(), kind, id, caller)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, e)
	}
}

func (h *Handler) Dispense(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	e, err := h.svc.Dispense(c.Request().Context(), id, caller)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

// capture stores the uploaded artifact, swaps it onto the event, releases the
// replaced artifact and hands the event to the extraction pipeline. The
// response does not wait for extraction.
func (h *Handler) capture(kind Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		caller, err := auth.MustIdentity(c)
		if err != nil {
			return err
		}
		id, err := idParam(c, "id")
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		logger := zerolog.Ctx(ctx)

		// Fail ownership before accepting the upload.
		e, err := h.svc.Get(ctx, kind, id)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		if err := CanEdit(e, caller); err != nil {
			return apperr.ToHTTP(err)
		}

		fh, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
		}
		if fh.Size > maxCaptureBytes {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "capture exceeds 50MB")
		}
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
		}
		defer f.Close()

		contentType := fh.Header.Get(echo.HeaderContentType)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		key := fmt.Sprintf("%s/%s/%s/%s%s", strings.ToLower(string(kind)), e.PatientID, id, uuid.NewString(), path.Ext(fh.Filename))
		ref, err := h.blobs.Put(ctx, key, contentType, f, fh.Size)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, "store capture").SetInternal(err)
		}

		previous, err := h.svc.AttachCaptureAs(ctx, kind, id, ref, caller)
		if err != nil {
			if derr := h.blobs.Delete(ctx, ref); derr != nil {
				logger.Warn().Err(derr).Str("ref", ref).Msg("release orphaned capture")
			}
			return apperr.ToHTTP(err)
		}
		if previous != "" && previous != ref {
			if err := h.blobs.Delete(ctx, previous); err != nil {
				logger.Warn().Err(err).Str("ref", previous).Msg("release replaced capture")
			}
		}

		if err := h.pipeline.Submit(ctx, kind, id); err != nil {
			logger.Error().Err(err).Str("event_id", id.String()).Msg("submit extraction")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "capture stored but extraction could not be queued").SetInternal(err)
		}

		e, err = h.svc.Get(ctx, kind, id)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusAccepted, e)
	}
}

// Timeline lists a patient's events. Patients see their own, doctors need a
// care relationship, staff and admins see any.
func (h *Handler) Timeline(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	patientID, err := idParam(c, "patientId")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	switch r := caller.Role.(type) {
	case auth.Patient:
		if r.PatientID != patientID {
			return apperr.ToHTTP(apperr.Forbidden("patients may only view their own timeline"))
		}
	case auth.Doctor:
		ok, err := h.svc.HasRelationship(ctx, r.DoctorID, patientID)
		if err != nil {
			return apperr.ToHTTP(err)
		}
		if !ok {
			return apperr.ToHTTP(apperr.Forbidden("no care relationship with this patient"))
		}
	}
	events, err := h.svc.Timeline(ctx, patientID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if events == nil {
		events = []*ClinicalEvent{}
	}
	return c.JSON(http.StatusOK, events)
}
