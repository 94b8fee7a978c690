package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/db"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("already exists")
	ErrInvalid            = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrDepartmentNotFound = errors.New("department not found")
	ErrForbidden          = errors.New("forbidden")

	errMRNTaken = errors.New("mrn taken")
)

const mrnAttempts = 3

// dummyHash keeps Login timing flat for unknown usernames.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOa6QJ1xXv3lVnV6W6Xq7f6H6u3b2mHnK"

type Service struct {
	users      UserRepository
	patients   PatientRepository
	doctors    DoctorRepository
	tx         db.TxRunner
	sessions   auth.SessionStore
	tokens     *auth.TokenIssuer
	sessionTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(users UserRepository, patients PatientRepository, doctors DoctorRepository,
	tx db.TxRunner, sessions auth.SessionStore, tokens *auth.TokenIssuer,
	sessionTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		users:      users,
		patients:   patients,
		doctors:    doctors,
		tx:         tx,
		sessions:   sessions,
		tokens:     tokens,
		sessionTTL: sessionTTL,
		logger:     logger.With().Str("component", "identity").Logger(),
		now:        time.Now,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// MRNFor derives the medical record number from a patient id: "MRN" and
// eight digits.
func MRNFor(id uuid.UUID) string {
	n := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	return fmt.Sprintf("MRN%08d", n%100000000)
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// -- Registration and sessions --

func (s *Service) RegisterPatient(ctx context.Context, req *RegisterPatientRequest) (*Profile, error) {
	username := normalizeUsername(req.Username)
	if len(username) < 3 {
		return nil, invalid("username must be at least 3 characters")
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return nil, invalid("first_name and last_name are required")
	}
	if req.Gender != nil && !validGenders[*req.Gender] {
		return nil, invalid("invalid gender: %s", *req.Gender)
	}
	if req.BirthDate != nil {
		if err := s.checkBirthDate(*req.BirthDate); err != nil {
			return nil, err
		}
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, invalid("%s", err.Error())
	}

	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         auth.RolePatient,
		Status:       StatusActive,
		DisplayName:  strings.TrimSpace(req.FirstName + " " + req.LastName),
		Email:        req.Email,
		Phone:        req.Phone,
	}
	patient := &Patient{
		FirstName:  strings.TrimSpace(req.FirstName),
		LastName:   strings.TrimSpace(req.LastName),
		BirthDate:  req.BirthDate,
		Gender:     req.Gender,
		Phone:      req.Phone,
		Email:      req.Email,
		NationalID: req.NationalID,
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		patient.UserID = user.ID
		for attempt := 0; attempt < mrnAttempts; attempt++ {
			patient.ID = uuid.New()
			patient.MRN = MRNFor(patient.ID)
			err := s.patients.Create(ctx, patient)
			if !errors.Is(err, errMRNTaken) {
				return err
			}
		}
		return fmt.Errorf("allocate mrn: %w", ErrDuplicate)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", user.ID.String()).Str("mrn", patient.MRN).Msg("patient registered")
	return &Profile{User: user, Patient: patient}, nil
}

func (s *Service) checkBirthDate(v string) error {
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return invalid("birth_date must be YYYY-MM-DD")
	}
	if d.After(s.now()) {
		return invalid("birth_date is in the future")
	}
	return nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, normalizeUsername(username))
	if errors.Is(err, ErrNotFound) {
		_ = auth.CheckPassword(dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active() {
		return nil, ErrAccountSuspended
	}

	sess := auth.NewSession(user.ID, user.Role, s.sessionTTL)
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	token, err := s.tokens.Issue(sess)
	if err != nil {
		_ = s.sessions.Delete(ctx, sess.ID)
		return nil, fmt.Errorf("issue token: %w", err)
	}

	now := s.now()
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID.String()).Msg("update last login failed")
	} else {
		user.LastLoginAt = &now
	}

	s.logger.Info().Str("user_id", user.ID.String()).Str("role", user.Role).Msg("login")
	return &LoginResult{Token: token, TokenType: "Bearer", ExpiresAt: sess.ExpiresAt, User: user}, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.sessions.Delete(ctx, sessionID)
}

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := &Profile{User: user}
	switch user.Role {
	case auth.RolePatient:
		if p.Patient, err = s.patients.GetByUserID(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	case auth.RoleDoctor:
		if p.Doctor, err = s.doctors.GetByUserID(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return p, nil
}

// ChangePassword verifies the old password and revokes every session of the
// user, including the caller's.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := auth.CheckPassword(user.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	if oldPassword == newPassword {
		return invalid("new password must differ from the old one")
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return invalid("%s", err.Error())
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	n, err := s.sessions.DeleteUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	s.logger.Info().Str("user_id", userID.String()).Int("revoked", n).Msg("password changed")
	return nil
}

// -- Patients --

func (s *Service) GetMyPatient(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return s.patients.GetByUserID(ctx, userID)
}

func (s *Service) UpdatePatientProfile(ctx context.Context, userID uuid.UUID, req *UpdatePatientRequest) (*Patient, error) {
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return nil, invalid("first_name and last_name are required")
	}
	if req.Gender != nil && !validGenders[*req.Gender] {
		return nil, invalid("invalid gender: %s", *req.Gender)
	}
	if req.BirthDate != nil {
		if err := s.checkBirthDate(*req.BirthDate); err != nil {
			return nil, err
		}
	}
	p, err := s.patients.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.FirstName = strings.TrimSpace(req.FirstName)
	p.LastName = strings.TrimSpace(req.LastName)
	p.BirthDate = req.BirthDate
	p.Gender = req.Gender
	p.Phone = req.Phone
	p.Email = req.Email
	p.NationalID = req.NationalID
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PatientIDForUser resolves the patient record behind a patient login.
func (s *Service) PatientIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	p, err := s.patients.GetByUserID(ctx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

// DoctorIDForUser resolves the doctor record behind a doctor login.
func (s *Service) DoctorIDForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	d, err := s.doctors.GetByUserID(ctx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	return d.ID, nil
}

// -- Doctors --

func (s *Service) CreateDoctor(ctx context.Context, req *CreateDoctorRequest) (*Doctor, error) {
	username := normalizeUsername(req.Username)
	if len(username) < 3 {
		return nil, invalid("username must be at least 3 characters")
	}
	if req.DepartmentID == uuid.Nil {
		return nil, invalid("department_id is required")
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, invalid("code is required")
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, invalid("%s", err.Error())
	}

	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         auth.RoleDoctor,
		Status:       StatusActive,
		DisplayName:  strings.TrimSpace(req.FirstName + " " + req.LastName),
		Email:        req.Email,
		Phone:        req.Phone,
	}
	doc := &Doctor{
		DepartmentID: req.DepartmentID,
		Code:         code,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Title:        req.Title,
		Specialty:    req.Specialty,
		Bio:          req.Bio,
		Active:       true,
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		doc.UserID = user.ID
		if err := s.doctors.Create(ctx, doc); err != nil {
			return err
		}
		// Reload for the department name.
		created, err := s.doctors.GetByID(ctx, doc.ID)
		if err != nil {
			return err
		}
		*doc = *created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("doctor_id", doc.ID.String()).Str("code", doc.Code).Msg("doctor created")
	return doc, nil
}

func (s *Service) UpdateDoctor(ctx context.Context, id uuid.UUID, req *UpdateDoctorRequest) (*Doctor, error) {
	if req.DepartmentID == uuid.Nil {
		return nil, invalid("department_id is required")
	}
	doc, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.DepartmentID = req.DepartmentID
	doc.FirstName = strings.TrimSpace(req.FirstName)
	doc.LastName = strings.TrimSpace(req.LastName)
	doc.Title = req.Title
	doc.Specialty = req.Specialty
	doc.Bio = req.Bio
	if req.Active != nil {
		doc.Active = *req.Active
	}
	if err := s.doctors.Update(ctx, doc); err != nil {
		return nil, err
	}
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, f, limit, offset)
}

// -- User administration --

func (s *Service) ListUsers(ctx context.Context, role string, limit, offset int) ([]*User, int, error) {
	if role != "" && !auth.ValidRole(role) {
		return nil, 0, invalid("invalid role: %s", role)
	}
	return s.users.List(ctx, role, limit, offset)
}

// SetUserStatus activates or suspends an account. Suspension revokes all of
// the user's sessions. Admins cannot suspend themselves.
func (s *Service) SetUserStatus(ctx context.Context, actorID, userID uuid.UUID, status string) (*User, error) {
	if !validUserStatuses[status] {
		return nil, invalid("invalid status: %s", status)
	}
	if status == StatusSuspended && actorID == userID {
		return nil, fmt.Errorf("%w: cannot suspend your own account", ErrForbidden)
	}
	if err := s.users.UpdateStatus(ctx, userID, status); err != nil {
		return nil, err
	}
	if status == StatusSuspended {
		n, err := s.sessions.DeleteUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("revoke sessions: %w", err)
		}
		s.logger.Info().Str("user_id", userID.String()).Int("revoked", n).Msg("user suspended")
	}
	return s.users.GetByID(ctx, userID)
}

// CreateAdmin provisions an admin account; used by the CLI.
func (s *Service) CreateAdmin(ctx context.Context, username, password string) (*User, error) {
	username = normalizeUsername(username)
	if len(username) < 3 {
		return nil, invalid("username must be at least 3 characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, invalid("%s", err.Error())
	}
	u := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		Status:       StatusActive,
		DisplayName:  username,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
