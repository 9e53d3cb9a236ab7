package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/panelworks/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials is returned on login with a bad email or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AccountStore is the slice of the account repository auth needs.
type AccountStore interface {
	Create(ctx context.Context, acc *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

// CreditGranter posts the signup bonus for new accounts.
type CreditGranter interface {
	Credit(ctx context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) (*models.Transaction, error)
}

type Service interface {
	Register(ctx context.Context, email, password, name string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, bool, error)
}

type service struct {
	accounts    AccountStore
	credits     CreditGranter
	secret      []byte
	tokenTTL    time.Duration
	signupBonus int
	log         *slog.Logger
}

func NewService(accounts AccountStore, credits CreditGranter, secret string, tokenTTL time.Duration, signupBonus int, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &service{
		accounts:    accounts,
		credits:     credits,
		secret:      []byte(secret),
		tokenTTL:    tokenTTL,
		signupBonus: signupBonus,
		log:         log,
	}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Admin bool `json:"adm,omitempty"`
}

func (s *service) Register(ctx context.Context, email, password, name string) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	if s.signupBonus > 0 {
		rec, err := s.credits.Credit(ctx, acc.ID, s.signupBonus, models.KindSignupBonus, "Welcome bonus", nil)
		if err != nil {
			// The account exists; a missing bonus is recoverable by an
			// admin adjustment, so registration still succeeds.
			s.log.Error("signup bonus grant failed", "account_id", acc.ID, "error", err)
		} else {
			acc.CreditBalance = rec.BalanceAfter
		}
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.ID, acc.IsAdmin)
}

func (s *service) issueToken(accountID uuid.UUID, admin bool) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Admin: admin,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, bool, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, false, errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, c.Admin, nil
}
