package service

import (
	"context"
	"errors"
	"html"
	"net/url"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-server/internal/repository"
	"identity-server/internal/repository/sqlite"
)

const goodPassword = "Passw0rd!"

type sentMail struct {
	to, subject, body string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (r *recordingSender) Send(ctx context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMail{to, subject, body})
	return nil
}

func (r *recordingSender) last(t *testing.T) sentMail {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sent, "no mail sent")
	return r.sent[len(r.sent)-1]
}

var hrefRe = regexp.MustCompile(`href="([^"]+)"`)

func linkFrom(t *testing.T, m sentMail) *url.URL {
	t.Helper()
	match := hrefRe.FindStringSubmatch(m.body)
	require.Len(t, match, 2, "no link in %q", m.body)
	u, err := url.Parse(html.UnescapeString(match[1]))
	require.NoError(t, err)
	return u
}

type fixture struct {
	svc    *userService
	repo   repository.UserRepository
	sender *recordingSender
	logs   *test.Hook
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	db, err := sqlite.Open(sqlite.DataSource{Path: filepath.Join(t.TempDir(), "app.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = sqlite.Migrate(context.Background(), db)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	opts := Options{
		RequireConfirmedAccount: true,
		Lockout:                 LockoutOptions{MaxFailedAttempts: 3, Duration: 5 * time.Minute},
		Password:                DefaultPasswordPolicy(),
		PublicURL:               "https://id.example.com/",
		Logger:                  logger,
	}
	for _, m := range mutate {
		m(&opts)
	}

	repo := sqlite.NewUserRepository(db)
	sender := &recordingSender{}
	svc := NewUserService(repo, sender, NewTokenIssuer([]byte("test-secret")), opts).(*userService)
	return &fixture{svc: svc, repo: repo, sender: sender, logs: hook}
}

func (f *fixture) register(t *testing.T, email string) string {
	t.Helper()
	u, err := f.svc.Register(context.Background(), RegisterInput{Email: email, Password: goodPassword})
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) confirm(t *testing.T) {
	t.Helper()
	link := linkFrom(t, f.sender.last(t))
	q := link.Query()
	require.NoError(t, f.svc.ConfirmEmail(context.Background(), q.Get("userId"), q.Get("code")))
}

func TestRegister_CreatesUnconfirmedUserAndSendsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.Register(ctx, RegisterInput{Email: " Alice@Example.com ", Password: goodPassword})
	require.NoError(t, err)
	assert.Equal(t, "Alice@Example.com", u.UserName)
	assert.Equal(t, "ALICE@EXAMPLE.COM", u.NormalizedEmail)
	assert.False(t, u.EmailConfirmed)
	assert.Empty(t, u.PasswordHash, "hash must not leave the service")
	assert.Empty(t, u.SecurityStamp)

	stored, err := f.repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, goodPassword, stored.PasswordHash)
	assert.True(t, stored.LockoutEnabled)

	m := f.sender.last(t)
	assert.Equal(t, "Alice@Example.com", m.to)
	assert.Equal(t, "Confirm your email", m.subject)
	link := linkFrom(t, m)
	assert.Equal(t, "id.example.com", link.Host)
	assert.Equal(t, ConfirmEmailPath, link.Path)
	assert.Equal(t, u.ID, link.Query().Get("userId"))
	assert.NotEmpty(t, link.Query().Get("code"))
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Email: "", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = f.svc.Register(ctx, RegisterInput{Email: "Bob <bob@example.com>", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = f.svc.Register(ctx, RegisterInput{UserName: "bob smith", Email: "bob@example.com", Password: goodPassword})
	assert.ErrorIs(t, err, ErrInvalidUserName)

	_, err = f.svc.Register(ctx, RegisterInput{Email: "bob@example.com", Password: "weak"})
	var perr *PasswordPolicyError
	assert.ErrorAs(t, err, &perr)
}

func TestRegister_Duplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "carol@example.com")

	_, err := f.svc.Register(ctx, RegisterInput{Email: "CAROL@example.com", Password: goodPassword})
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	_, err = f.svc.Register(ctx, RegisterInput{UserName: "carol2", Email: "carol@EXAMPLE.com", Password: goodPassword})
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
}

func TestRegister_MailFailureKeepsAccount(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("smtp down")

	u, err := f.svc.Register(context.Background(), RegisterInput{Email: "dave@example.com", Password: goodPassword})
	require.NoError(t, err)
	_, err = f.repo.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.NotNil(t, f.logs.LastEntry())
	assert.Equal(t, logrus.WarnLevel, f.logs.LastEntry().Level)
}

func TestSignIn_RequiresConfirmedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "erin@example.com")

	_, err := f.svc.SignIn(ctx, "erin@example.com", goodPassword)
	assert.ErrorIs(t, err, ErrEmailNotConfirmed)

	f.confirm(t)

	sess, err := f.svc.SignIn(ctx, "ERIN@example.com", goodPassword)
	require.NoError(t, err)
	assert.True(t, sess.User.EmailConfirmed)
	assert.NotEmpty(t, sess.Token)
	assert.True(t, sess.ExpiresAt.After(time.Now()))

	u, err := f.svc.ValidateSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, u.ID)
}

func TestSignIn_WithoutConfirmationPolicy(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RequireConfirmedAccount = false })
	f.register(t, "frank@example.com")

	_, err := f.svc.SignIn(context.Background(), "frank@example.com", goodPassword)
	assert.NoError(t, err)
}

func TestSignIn_BadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "gina@example.com")
	f.confirm(t)

	_, err := f.svc.SignIn(ctx, "nobody@example.com", goodPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "gina@example.com", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "gina@example.com", "Wr0ng!pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignIn_LockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "hank@example.com")
	f.confirm(t)

	_, err := f.svc.SignIn(ctx, "hank@example.com", "bad-1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "hank@example.com", "bad-2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "hank@example.com", "bad-3")
	assert.ErrorIs(t, err, ErrLockedOut)

	// the right password does not help while locked
	_, err = f.svc.SignIn(ctx, "hank@example.com", goodPassword)
	assert.ErrorIs(t, err, ErrLockedOut)

	f.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	_, err = f.svc.SignIn(ctx, "hank@example.com", goodPassword)
	require.NoError(t, err)

	stored, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, stored.AccessFailedCount)
	assert.Nil(t, stored.LockoutEnd)
}

func TestSignIn_ConcurrentFailuresStillLockOut(t *testing.T) {
	const attempts = 4
	f := newFixture(t, func(o *Options) { o.Lockout.MaxFailedAttempts = attempts })
	ctx := context.Background()
	id := f.register(t, "jade@example.com")
	f.confirm(t)

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.SignIn(ctx, "jade@example.com", "wrong-pass")
		}()
	}
	wg.Wait()

	lockedOut := 0
	for _, err := range errs {
		if errors.Is(err, ErrLockedOut) {
			lockedOut++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	assert.Equal(t, 1, lockedOut)

	stored, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.LockoutEnd)
	assert.True(t, stored.IsLockedOut(time.Now()))

	_, err = f.svc.SignIn(ctx, "jade@example.com", goodPassword)
	assert.ErrorIs(t, err, ErrLockedOut)
}

func TestSignIn_SuccessResetsFailureCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "ivy@example.com")
	f.confirm(t)

	_, err := f.svc.SignIn(ctx, "ivy@example.com", "bad")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "ivy@example.com", goodPassword)
	require.NoError(t, err)

	stored, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, stored.AccessFailedCount)
}

func TestConfirmEmail_RejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "jack@example.com")
	other := f.register(t, "kate@example.com")
	code := linkFrom(t, f.sender.last(t)).Query().Get("code") // kate's code

	assert.ErrorIs(t, f.svc.ConfirmEmail(ctx, id, code), ErrInvalidToken)
	assert.ErrorIs(t, f.svc.ConfirmEmail(ctx, "missing", code), ErrInvalidToken)
	assert.ErrorIs(t, f.svc.ConfirmEmail(ctx, other, "garbage"), ErrInvalidToken)

	require.NoError(t, f.svc.ConfirmEmail(ctx, other, code))
	// confirming twice is harmless
	require.NoError(t, f.svc.ConfirmEmail(ctx, other, code))
}

func TestResendConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "liam@example.com")
	require.Len(t, f.sender.sent, 1)

	require.NoError(t, f.svc.ResendConfirmation(ctx, "liam@example.com"))
	assert.Len(t, f.sender.sent, 2)

	require.NoError(t, f.svc.ResendConfirmation(ctx, "unknown@example.com"))
	assert.Len(t, f.sender.sent, 2)

	f.confirm(t)
	require.NoError(t, f.svc.ResendConfirmation(ctx, "liam@example.com"))
	assert.Len(t, f.sender.sent, 2)
}

func TestPasswordReset_Flow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "mia@example.com")
	f.confirm(t)

	sess, err := f.svc.SignIn(ctx, "mia@example.com", goodPassword)
	require.NoError(t, err)

	require.NoError(t, f.svc.ForgotPassword(ctx, "MIA@example.com"))
	m := f.sender.last(t)
	assert.Equal(t, "Reset Password", m.subject)
	link := linkFrom(t, m)
	assert.Equal(t, ResetPasswordPath, link.Path)
	code := link.Query().Get("code")

	var perr *PasswordPolicyError
	assert.ErrorAs(t, f.svc.ResetPassword(ctx, "mia@example.com", code, "weak"), &perr)

	require.NoError(t, f.svc.ResetPassword(ctx, "mia@example.com", code, "N3w-Passw0rd"))

	_, err = f.svc.SignIn(ctx, "mia@example.com", goodPassword)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "mia@example.com", "N3w-Passw0rd")
	require.NoError(t, err)

	// stamp rotation revokes the old session and the used code
	_, err = f.svc.ValidateSession(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, "mia@example.com", code, "An0ther-pass"), ErrInvalidToken)
}

func TestForgotPassword_DoesNotRevealAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "noah@example.com") // unconfirmed
	before := len(f.sender.sent)

	require.NoError(t, f.svc.ForgotPassword(ctx, "noah@example.com"))
	require.NoError(t, f.svc.ForgotPassword(ctx, "ghost@example.com"))
	assert.Len(t, f.sender.sent, before)

	assert.NoError(t, f.svc.ResetPassword(ctx, "ghost@example.com", "code", goodPassword))
}

func TestForgotPassword_PropagatesSendFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "olga@example.com")
	f.confirm(t)
	f.sender.err = errors.New("relay down")

	assert.Error(t, f.svc.ForgotPassword(context.Background(), "olga@example.com"))
}

func TestValidateSession_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, "pete@example.com")

	_, err := f.svc.ValidateSession(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok, _, err := f.svc.tokens.Issue(id, "stale-stamp", PurposeSession, time.Hour)
	require.NoError(t, err)
	_, err = f.svc.ValidateSession(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tok, _, err = f.svc.tokens.Issue("missing", "x", PurposeSession, time.Hour)
	require.NoError(t, err)
	_, err = f.svc.ValidateSession(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetByID_Sanitized(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "quinn@example.com")

	u, err := f.svc.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "quinn@example.com", u.Email)
	assert.Empty(t, u.PasswordHash)
	assert.Empty(t, u.ConcurrencyStamp)

	_, err = f.svc.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}
