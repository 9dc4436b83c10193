package http

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"identity-server/internal/domain"
	"identity-server/internal/service"
)

//go:embed templates/*.html
var templatesFS embed.FS

const userKey = "identity.user"

// Config holds the HTTP-facing settings of the handler.
type Config struct {
	CookieName    string
	SecureCookies bool
	Logger        logrus.FieldLogger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	users  service.UserService
	cfg    Config
	pages  *template.Template
	logger logrus.FieldLogger

	pageLogin   RedirectToLogin
	clientLogin RedirectToLogin
}

func NewHandler(users service.UserService, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.CookieName == "" {
		cfg.CookieName = ".AspNetCore.Identity.Application"
	}
	return &Handler{
		users:       users,
		cfg:         cfg,
		pages:       template.Must(template.ParseFS(templatesFS, "templates/*.html")),
		logger:      cfg.Logger,
		pageLogin:   RedirectToLogin{Route: IdentityLoginRoute, ForceLoad: true},
		clientLogin: RedirectToLogin{Route: ClientLoginRoute, ForceLoad: false},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(h.pages)
	router.Use(requestLogger(h.logger))

	account := router.Group("/Identity/Account")
	{
		account.GET("/Login", h.loginPage)
		account.POST("/Login", h.login)
		account.POST("/Logout", h.logout)
		account.POST("/Register", h.register)
		account.GET("/ConfirmEmail", h.confirmEmail)
		account.POST("/ResendEmailConfirmation", h.resendConfirmation)
		account.GET("/ForgotPassword", h.forgotPasswordPage)
		account.POST("/ForgotPassword", h.forgotPassword)
		account.GET("/ResetPassword", h.resetPasswordPage)
		account.POST("/ResetPassword", h.resetPassword)
	}
	router.GET("/"+ClientLoginRoute, h.loginPage)

	router.GET("/connect/authorize", h.requireUser(h.pageLogin), h.authorize)

	api := router.Group("/api")
	{
		api.GET("/me", h.requireUser(h.clientLogin), h.me)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request")
	}
}

// requireUser resolves the session and otherwise hands the request to redirect.
func (h *Handler) requireUser(redirect RedirectToLogin) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := h.sessionToken(c)
		if token == "" {
			redirect.Navigate(c)
			return
		}
		user, err := h.users.ValidateSession(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, service.ErrInvalidToken) && !errors.Is(err, service.ErrEmailNotConfirmed) {
				h.logger.WithError(err).Error("validate session")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			h.clearSession(c)
			redirect.Navigate(c)
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func (h *Handler) sessionToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	token, err := c.Cookie(h.cfg.CookieName)
	if err != nil {
		return ""
	}
	return token
}

func (h *Handler) setSession(c *gin.Context, sess *service.Session) {
	maxAge := int(time.Until(sess.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, sess.Token, maxAge, "/", "", h.cfg.SecureCookies, true)
}

func (h *Handler) clearSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, "", -1, "/", "", h.cfg.SecureCookies, true)
}

func wantsJSON(c *gin.Context) bool {
	return c.ContentType() == gin.MIMEJSON || strings.Contains(c.GetHeader("Accept"), gin.MIMEJSON)
}

type loginRequest struct {
	Login     string `json:"login" form:"login" binding:"required"`
	Password  string `json:"password" form:"password" binding:"required"`
	ReturnURL string `json:"returnUrl" form:"returnUrl"`
}

func (h *Handler) loginPage(c *gin.Context) {
	c.HTML(http.StatusOK, "login.html", gin.H{
		"ReturnURL": localReturnURL(c.Query("returnUrl")),
	})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.loginFailed(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.ReturnURL == "" {
		req.ReturnURL = c.Query("returnUrl")
	}
	returnURL := localReturnURL(req.ReturnURL)

	sess, err := h.users.SignIn(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			h.loginFailed(c, http.StatusUnauthorized, "Invalid login attempt.", returnURL)
		case errors.Is(err, service.ErrEmailNotConfirmed):
			h.loginFailed(c, http.StatusForbidden, "You must confirm your email before you can log in.", returnURL)
		case errors.Is(err, service.ErrLockedOut):
			h.loginFailed(c, http.StatusLocked, "This account has been locked out, please try again later.", returnURL)
		default:
			h.logger.WithError(err).Error("sign in")
			h.loginFailed(c, http.StatusInternalServerError, "internal error", returnURL)
		}
		return
	}

	h.setSession(c, sess)
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{
			"user":       userToResponse(sess.User),
			"token":      sess.Token,
			"expires_at": sess.ExpiresAt.Format(time.RFC3339),
			"redirect":   returnURL,
		})
		return
	}
	c.Redirect(http.StatusSeeOther, returnURL)
}

func (h *Handler) loginFailed(c *gin.Context, status int, msg, returnURL string) {
	if wantsJSON(c) {
		c.JSON(status, gin.H{"error": msg})
		return
	}
	if returnURL == "" {
		returnURL = "/"
	}
	c.HTML(status, "login.html", gin.H{"Error": msg, "ReturnURL": returnURL})
}

func (h *Handler) logout(c *gin.Context) {
	h.clearSession(c)
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"message": "You have been logged out."})
		return
	}
	c.Redirect(http.StatusSeeOther, localReturnURL(c.Query("returnUrl")))
}

type registerRequest struct {
	UserName string `json:"userName" form:"userName"`
	Email    string `json:"email" form:"email" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Register(c.Request.Context(), service.RegisterInput{
		UserName: req.UserName,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    userToResponse(user),
		"message": "Please check your email to confirm your account.",
	})
}

func (h *Handler) confirmEmail(c *gin.Context) {
	userID, code := c.Query("userId"), c.Query("code")
	if userID == "" || code == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}

	if err := h.users.ConfirmEmail(c.Request.Context(), userID, code); err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			c.HTML(http.StatusBadRequest, "message.html", gin.H{
				"Title":   "Confirm email",
				"Message": "Error confirming your email.",
			})
			return
		}
		h.logger.WithError(err).Error("confirm email")
		c.HTML(http.StatusInternalServerError, "message.html", gin.H{"Title": "Error", "Message": "internal error"})
		return
	}

	c.HTML(http.StatusOK, "message.html", gin.H{
		"Title":   "Confirm email",
		"Message": "Thank you for confirming your email.",
	})
}

type emailRequest struct {
	Email string `json:"email" form:"email" binding:"required"`
}

func (h *Handler) resendConfirmation(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.users.ResendConfirmation(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verification email sent. Please check your email."})
}

func (h *Handler) forgotPassword(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.users.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	h.done(c, "Forgot password confirmation", "Please check your email to reset your password.")
}

func (h *Handler) forgotPasswordPage(c *gin.Context) {
	c.HTML(http.StatusOK, "forgot.html", nil)
}

func (h *Handler) resetPasswordPage(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.HTML(http.StatusBadRequest, "message.html", gin.H{
			"Title":   "Reset password",
			"Message": "A code must be supplied for password reset.",
		})
		return
	}
	c.HTML(http.StatusOK, "reset.html", gin.H{"Code": code, "Email": c.Query("email")})
}

type resetPasswordRequest struct {
	Email    string `json:"email" form:"email" binding:"required"`
	Code     string `json:"code" form:"code" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (h *Handler) resetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.users.ResetPassword(c.Request.Context(), req.Email, req.Code, req.Password); err != nil {
		h.writeError(c, err)
		return
	}
	h.done(c, "Reset password confirmation", "Your password has been reset.")
}

// done answers a successful form post with a page and an API call with JSON.
func (h *Handler) done(c *gin.Context, title, msg string) {
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"message": msg})
		return
	}
	c.HTML(http.StatusOK, "message.html", gin.H{"Title": title, "Message": msg})
}

func (h *Handler) authorize(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		c.HTML(http.StatusBadRequest, "message.html", gin.H{
			"Title":   "Authorization",
			"Message": "The client_id parameter is missing.",
		})
		return
	}

	user := currentUser(c)
	model := domain.AuthorizeViewModel{
		ApplicationName: clientID,
		Scope:           strings.TrimSpace(c.Query("scope")),
	}
	c.HTML(http.StatusOK, "authorize.html", gin.H{
		"UserName": user.UserName,
		"Fields":   model.Labeled(),
	})
}

func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, userToResponse(currentUser(c)))
}

func currentUser(c *gin.Context) *domain.User {
	v, _ := c.Get(userKey)
	user, _ := v.(*domain.User)
	return user
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var policy *service.PasswordPolicyError
	switch {
	case errors.As(err, &policy):
		c.JSON(http.StatusBadRequest, gin.H{"error": "password does not meet policy", "violations": policy.Violations})
	case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrInvalidUserName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUserAlreadyExists), errors.Is(err, service.ErrEmailAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired code"})
	default:
		h.logger.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type UserResponse struct {
	ID             string `json:"id"`
	UserName       string `json:"user_name"`
	Email          string `json:"email"`
	EmailConfirmed bool   `json:"email_confirmed"`
	CreatedAt      string `json:"created_at"`
}

func userToResponse(user *domain.User) UserResponse {
	if user == nil {
		return UserResponse{}
	}
	return UserResponse{
		ID:             user.ID,
		UserName:       user.UserName,
		Email:          user.Email,
		EmailConfirmed: user.EmailConfirmed,
		CreatedAt:      user.CreatedAt.Format(time.RFC3339),
	}
}
