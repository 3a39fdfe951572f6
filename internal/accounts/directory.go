package accounts

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"spreadmarket/internal/exchange"
	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

const minPasswordLength = 8

// Directory is the user and role store behind the exchange engines. New
// accounts start unverified with the configured virtual balance; an admin
// verifies them before they may bid or trade.
type Directory struct {
	Repo            repository.Repository
	Logger          *zap.Logger
	StartingBalance decimal.Decimal
}

// Lookup answers the exchange engines' role questions from current state.
func (d *Directory) Lookup(ctx context.Context, userID uint64) (exchange.Role, error) {
	u, err := d.Repo.GetUserByID(ctx, userID)
	if err != nil {
		return exchange.Role{}, err
	}
	if u == nil {
		return exchange.Role{}, exchange.NewError(exchange.KindNotFound, exchange.CodeUserNotFound, "user %d not found", userID)
	}
	return exchange.Role{IsAdmin: u.IsAdmin, IsVerified: u.IsVerified}, nil
}

// Register creates an unverified account with the starting balance.
func (d *Directory) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" {
		return nil, exchange.NewError(exchange.KindValidation, exchange.CodeInvalidUsername, "username must not be empty")
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, exchange.NewError(exchange.KindValidation, exchange.CodeInvalidEmail, "a valid email address is required")
	}
	if len(password) < minPasswordLength {
		return nil, exchange.NewError(exchange.KindValidation, exchange.CodeInvalidPassword, "password must be at least %d characters", minPasswordLength)
	}
	existing, err := d.Repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, exchange.NewError(exchange.KindConflict, exchange.CodeUsernameTaken, "username %q is taken", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Balance:      d.StartingBalance,
	}
	if err := d.Repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	d.logInfo("user registered", zap.Uint64("user_id", u.ID), zap.String("username", username))
	return u, nil
}

// Authenticate checks credentials and returns the account. The same error
// comes back for a missing user and a wrong password.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := d.Repo.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, exchange.NewError(exchange.KindUnauthorized, exchange.CodeInvalidCredentials, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, exchange.NewError(exchange.KindUnauthorized, exchange.CodeInvalidCredentials, "invalid credentials")
	}
	return u, nil
}

// SetVerified flips the verification flag, an admin action.
func (d *Directory) SetVerified(ctx context.Context, userID uint64, verified bool) (*models.User, error) {
	u, err := d.Repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, exchange.NewError(exchange.KindNotFound, exchange.CodeUserNotFound, "user %d not found", userID)
	}
	if err := d.Repo.SetUserVerified(ctx, userID, verified); err != nil {
		return nil, err
	}
	u.IsVerified = verified
	d.logInfo("user verification updated",
		zap.Uint64("user_id", userID),
		zap.Bool("verified", verified))
	return u, nil
}

// EnsureAdmin makes sure the bootstrap admin from config exists. An existing
// account with the same username is promoted rather than duplicated; an
// admin is never demoted here.
func (d *Directory) EnsureAdmin(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil
	}
	existing, err := d.Repo.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.IsAdmin && existing.IsVerified {
			return nil
		}
		if err := d.Repo.PromoteUserAdmin(ctx, existing.ID); err != nil {
			return err
		}
		d.logInfo("bootstrap admin promoted", zap.Uint64("user_id", existing.ID), zap.String("username", username))
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		IsAdmin:      true,
		IsVerified:   true,
		Balance:      decimal.Zero,
	}
	if err := d.Repo.CreateUser(ctx, u); err != nil {
		return err
	}
	d.logInfo("bootstrap admin created", zap.Uint64("user_id", u.ID), zap.String("username", username))
	return nil
}

func (d *Directory) logInfo(msg string, fields ...zap.Field) {
	if d == nil || d.Logger == nil {
		return
	}
	d.Logger.Info(msg, fields...)
}

var _ exchange.RoleDirectory = (*Directory)(nil)
