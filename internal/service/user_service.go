package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"identity-server/internal/domain"
	identitymail "identity-server/internal/mail"
	"identity-server/internal/repository"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailNotConfirmed is returned by SignIn when the account must be confirmed first.
	ErrEmailNotConfirmed = errors.New("email not confirmed")
	// ErrLockedOut is returned while the account is locked after repeated failures.
	ErrLockedOut = errors.New("account locked out")
	// ErrUserAlreadyExists is returned when attempting to register with an existing username.
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrEmailAlreadyExists is returned when attempting to register with an existing email.
	ErrEmailAlreadyExists = errors.New("email already registered")
	// ErrInvalidEmail is returned for addresses that do not parse as a bare mailbox.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidUserName is returned for user names with disallowed characters.
	ErrInvalidUserName = errors.New("invalid user name")
)

const allowedUserNameChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-._@+"

// Routes the confirmation and reset links point at.
const (
	ConfirmEmailPath  = "/Identity/Account/ConfirmEmail"
	ResetPasswordPath = "/Identity/Account/ResetPassword"
)

// RegisterInput is what a new account is created from. UserName defaults to Email.
type RegisterInput struct {
	UserName string
	Email    string
	Password string
}

// Session is the result of a successful sign-in.
type Session struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, in RegisterInput) (*domain.User, error)
	ConfirmEmail(ctx context.Context, userID, code string) error
	ResendConfirmation(ctx context.Context, email string) error
	SignIn(ctx context.Context, login, password string) (*Session, error)
	ValidateSession(ctx context.Context, token string) (*domain.User, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// LockoutOptions controls account lockout after failed sign-ins. A zero
// MaxFailedAttempts disables lockout.
type LockoutOptions struct {
	MaxFailedAttempts int
	Duration          time.Duration
}

// Options configures the identity policy.
type Options struct {
	RequireConfirmedAccount bool
	Lockout                 LockoutOptions
	Password                PasswordPolicy
	// PublicURL prefixes links sent by email.
	PublicURL  string
	TokenTTL   time.Duration
	SessionTTL time.Duration
	Logger     logrus.FieldLogger
}

type userService struct {
	users  repository.UserRepository
	sender identitymail.Sender
	tokens *TokenIssuer
	opts   Options
	now    func() time.Time
}

func NewUserService(users repository.UserRepository, sender identitymail.Sender, tokens *TokenIssuer, opts Options) UserService {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 14 * 24 * time.Hour
	}
	if opts.Password == (PasswordPolicy{}) {
		opts.Password = DefaultPasswordPolicy()
	}
	if sender == nil {
		sender = identitymail.NoopSender{}
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &userService{
		users:  users,
		sender: sender,
		tokens: tokens,
		opts:   opts,
		now:    time.Now,
	}
}

func (s *userService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	email := strings.TrimSpace(in.Email)
	userName := strings.TrimSpace(in.UserName)
	if userName == "" {
		userName = email
	}

	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validateUserName(userName); err != nil {
		return nil, err
	}
	if err := s.opts.Password.Validate(in.Password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByNormalizedUserName(ctx, normalize(userName)); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}
	if _, err := s.users.GetByNormalizedEmail(ctx, normalize(email)); err == nil {
		return nil, ErrEmailAlreadyExists
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:                 uuid.NewString(),
		UserName:           userName,
		NormalizedUserName: normalize(userName),
		Email:              email,
		NormalizedEmail:    normalize(email),
		PasswordHash:       string(hash),
		SecurityStamp:      newStamp(),
		LockoutEnabled:     s.opts.Lockout.MaxFailedAttempts > 0,
	}

	if err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, ErrEmailAlreadyExists
		case errors.Is(err, repository.ErrDuplicateUserName):
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	log := s.opts.Logger.WithField("user_id", user.ID)
	log.Info("user registered")

	// the account exists either way; a lost email can be re-requested
	if err := s.sendConfirmation(ctx, user); err != nil {
		log.WithError(err).Warn("send confirmation email")
	}

	return sanitizeUser(user), nil
}

func (s *userService) ConfirmEmail(ctx context.Context, userID, code string) error {
	user, err := s.users.GetByID(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := s.checkToken(code, PurposeEmailConfirmation, user); err != nil {
		return err
	}
	if user.EmailConfirmed {
		return nil
	}

	user.EmailConfirmed = true
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	s.opts.Logger.WithField("user_id", user.ID).Info("email confirmed")
	return nil
}

func (s *userService) ResendConfirmation(ctx context.Context, email string) error {
	user, err := s.users.GetByNormalizedEmail(ctx, normalize(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.EmailConfirmed {
		return nil
	}
	return s.sendConfirmation(ctx, user)
}

func (s *userService) SignIn(ctx context.Context, login, password string) (*Session, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.findByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := s.now()
	log := s.opts.Logger.WithField("user_id", user.ID)
	if user.IsLockedOut(now) {
		log.Warn("sign-in rejected: locked out")
		return nil, ErrLockedOut
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, s.recordFailure(ctx, user, now)
	}

	if user.AccessFailedCount > 0 || user.LockoutEnd != nil {
		if err := s.users.ResetAccessFailures(ctx, user.ID); err != nil {
			return nil, err
		}
		user.AccessFailedCount = 0
		user.LockoutEnd = nil
	}

	if s.opts.RequireConfirmedAccount && !user.EmailConfirmed {
		log.Info("sign-in rejected: email not confirmed")
		return nil, ErrEmailNotConfirmed
	}

	token, expires, err := s.tokens.Issue(user.ID, user.SecurityStamp, PurposeSession, s.opts.SessionTTL)
	if err != nil {
		return nil, err
	}
	log.Info("user signed in")
	return &Session{User: sanitizeUser(user), Token: token, ExpiresAt: expires}, nil
}

func (s *userService) ValidateSession(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.tokens.Parse(token, PurposeSession)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if claims.Stamp != user.SecurityStamp {
		return nil, ErrInvalidToken
	}
	if s.opts.RequireConfirmedAccount && !user.EmailConfirmed {
		return nil, ErrEmailNotConfirmed
	}
	return sanitizeUser(user), nil
}

func (s *userService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.users.GetByNormalizedEmail(ctx, normalize(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}
	// unconfirmed accounts get no reset link so ownership of the address is proven first
	if !user.EmailConfirmed {
		return nil
	}

	code, _, err := s.tokens.Issue(user.ID, user.SecurityStamp, PurposeResetPassword, s.opts.TokenTTL)
	if err != nil {
		return err
	}
	link := s.link(ResetPasswordPath, url.Values{"email": {user.Email}, "code": {code}})
	body := fmt.Sprintf(`Please reset your password by <a href="%s">clicking here</a>.`, html.EscapeString(link))
	if err := s.sender.Send(ctx, user.Email, "Reset Password", body); err != nil {
		return fmt.Errorf("send reset email: %w", err)
	}
	return nil
}

func (s *userService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	user, err := s.users.GetByNormalizedEmail(ctx, normalize(email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if err := s.checkToken(code, PurposeResetPassword, user); err != nil {
		return err
	}
	if err := s.opts.Password.Validate(newPassword); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)
	// rotating the stamp revokes outstanding reset links and sessions
	user.SecurityStamp = newStamp()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	s.opts.Logger.WithField("user_id", user.ID).Info("password reset")
	return nil
}

func (s *userService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitizeUser(user), nil
}

func (s *userService) findByLogin(ctx context.Context, login string) (*domain.User, error) {
	user, err := s.users.GetByNormalizedUserName(ctx, normalize(login))
	if err == nil || !errors.Is(err, repository.ErrUserNotFound) {
		return user, err
	}
	return s.users.GetByNormalizedEmail(ctx, normalize(login))
}

func (s *userService) recordFailure(ctx context.Context, user *domain.User, now time.Time) error {
	limit := s.opts.Lockout.MaxFailedAttempts
	if !user.LockoutEnabled || limit <= 0 {
		return ErrInvalidCredentials
	}

	end := now.Add(s.opts.Lockout.Duration).UTC()
	locked, err := s.users.RecordAccessFailure(ctx, user.ID, limit, end)
	if err != nil {
		return err
	}
	if locked {
		user.LockoutEnd = &end
		s.opts.Logger.WithField("user_id", user.ID).Warn("account locked out")
		return ErrLockedOut
	}
	return ErrInvalidCredentials
}

func (s *userService) sendConfirmation(ctx context.Context, user *domain.User) error {
	code, _, err := s.tokens.Issue(user.ID, user.SecurityStamp, PurposeEmailConfirmation, s.opts.TokenTTL)
	if err != nil {
		return err
	}
	link := s.link(ConfirmEmailPath, url.Values{"userId": {user.ID}, "code": {code}})
	body := fmt.Sprintf(`Please confirm your account by <a href="%s">clicking here</a>.`, html.EscapeString(link))
	if err := s.sender.Send(ctx, user.Email, "Confirm your email", body); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}
	return nil
}

func (s *userService) checkToken(code string, purpose TokenPurpose, user *domain.User) error {
	claims, err := s.tokens.Parse(strings.TrimSpace(code), purpose)
	if err != nil {
		return err
	}
	if claims.Subject != user.ID || claims.Stamp != user.SecurityStamp {
		return ErrInvalidToken
	}
	return nil
}

func (s *userService) link(path string, query url.Values) string {
	return s.opts.PublicURL + path + "?" + query.Encode()
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidEmail)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}

func validateUserName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: user name is required", ErrInvalidUserName)
	}
	for _, r := range name {
		if !strings.ContainsRune(allowedUserNameChars, r) {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidUserName, r)
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func newStamp() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	out := *user
	out.PasswordHash = ""
	out.SecurityStamp = ""
	out.ConcurrencyStamp = ""
	return &out
}
