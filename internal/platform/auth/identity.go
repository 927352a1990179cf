package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RoleKind is the wire name of a role in tokens and dev headers.
type RoleKind string

const (
	KindAdmin   RoleKind = "admin"
	KindDoctor  RoleKind = "doctor"
	KindPatient RoleKind = "patient"
	KindStaff   RoleKind = "staff"
)

// Role is a closed union: Admin, Doctor, Patient or Staff. Each variant
// carries the domain id it acts as, so services never look ids up separately.
type Role interface {
	Kind() RoleKind
	sealed()
}

type Admin struct{}

type Doctor struct {
	DoctorID uuid.UUID
}

type Patient struct {
	PatientID uuid.UUID
}

type Staff struct {
	StaffID uuid.UUID
}

func (Admin) Kind() RoleKind   { return KindAdmin }
func (Doctor) Kind() RoleKind  { return KindDoctor }
func (Patient) Kind() RoleKind { return KindPatient }
func (Staff) Kind() RoleKind   { return KindStaff }

func (Admin) sealed()   {}
func (Doctor) sealed()  {}
func (Patient) sealed() {}
func (Staff) sealed()   {}

// ParseRole builds a Role from its wire kind and the matching domain id.
// Admin takes no id; every other kind requires one.
func ParseRole(kind string, domainID string) (Role, error) {
	if RoleKind(kind) == KindAdmin {
		return Admin{}, nil
	}
	id, err := uuid.Parse(domainID)
	if err != nil {
		return nil, fmt.Errorf("role %q requires a valid domain id: %w", kind, err)
	}
	switch RoleKind(kind) {
	case KindDoctor:
		return Doctor{DoctorID: id}, nil
	case KindPatient:
		return Patient{PatientID: id}, nil
	case KindStaff:
		return Staff{StaffID: id}, nil
	}
	return nil, fmt.Errorf("unknown role %q", kind)
}

// Identity is the authenticated caller.
type Identity struct {
	UserID   uuid.UUID
	Role     Role
	TenantID string
}

// DoctorID returns the caller's doctor id when the caller is a doctor.
func (i Identity) DoctorID() (uuid.UUID, bool) {
	if d, ok := i.Role.(Doctor); ok {
		return d.DoctorID, true
	}
	return uuid.Nil, false
}

// PatientID returns the caller's patient id when the caller is a patient.
func (i Identity) PatientID() (uuid.UUID, bool) {
	if p, ok := i.Role.(Patient); ok {
		return p.PatientID, true
	}
	return uuid.Nil, false
}

// StaffID returns the caller's staff id when the caller is staff.
func (i Identity) StaffID() (uuid.UUID, bool) {
	if s, ok := i.Role.(Staff); ok {
		return s.StaffID, true
	}
	return uuid.Nil, false
}

func (i Identity) IsAdmin() bool {
	_, ok := i.Role.(Admin)
	return ok
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller set by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.Role != nil
}
