package services

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthService registers participants and issues the session tokens the API
// middleware verifies. Access codes are stored bcrypt-hashed.
type AuthService struct {
	store     ParticipantStore
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
	idGen     func() string
}

func NewAuthService(store ParticipantStore, jwtSecret []byte, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{
		store:     store,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
	}
}

// Register creates a participant account keyed by email. Registering an
// already used email is a conflict.
func (s *AuthService) Register(email, accessCode string) (*Participant, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, NewInvalidError("valid email required")
	}
	if len(accessCode) < 6 {
		return nil, NewInvalidError("access code must be at least 6 characters")
	}
	existing, err := s.store.FindParticipantByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email already registered")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(accessCode), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	p := &Participant{
		ID:             s.idGen(),
		Email:          email,
		AccessCodeHash: hash,
		CreatedAt:      s.now(),
	}
	if err := s.store.AddParticipant(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Login verifies the access code and issues a signed token. Unknown email and
// wrong code return the same error so the endpoint does not leak which emails
// exist.
func (s *AuthService) Login(email, accessCode string) (string, *Participant, error) {
	email = normalizeEmail(email)
	p, err := s.store.FindParticipantByEmail(email)
	if err != nil {
		return "", nil, err
	}
	if p == nil {
		return "", nil, NewUnauthorizedError("invalid email or access code")
	}
	if err := bcrypt.CompareHashAndPassword(p.AccessCodeHash, []byte(accessCode)); err != nil {
		return "", nil, NewUnauthorizedError("invalid email or access code")
	}
	token, err := s.issueToken(p)
	if err != nil {
		return "", nil, err
	}
	return token, p, nil
}

func (s *AuthService) issueToken(p *Participant) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":   p.ID,
		"email": p.Email,
		"role":  "participant",
		"iat":   now.Unix(),
		"exp":   now.Add(s.tokenTTL).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.jwtSecret)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
