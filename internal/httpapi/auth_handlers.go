package httpapi

import (
	"net/http"
	"strings"
	"time"

	"xpertsphere.io/internal/auth"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserID           string    `json:"user_id"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func newTokenResponse(pair auth.TokenPair, user *auth.User) tokenResponse {
	return tokenResponse{
		TokenType:        "Bearer",
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt.UTC(),
		RefreshExpiresAt: pair.RefreshExpiresAt.UTC(),
		UserID:           user.ID,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if a.provisioner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.provisioner.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}
	pair, user, err := a.tokens.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, user))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	pair, user, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, user))
}

// handleLogout ends the caller's session by revoking the stored refresh token.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.tokens.Revoke(r.Context(), claims.Subject()); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, newClaimsView(claims))
}

type organizationView struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"`
}

type claimsView struct {
	Subject      string            `json:"subject"`
	Realm        string            `json:"realm"`
	Email        string            `json:"email,omitempty"`
	Stage        string            `json:"stage"`
	Organization *organizationView `json:"organization,omitempty"`
	PlatformUser bool              `json:"platform_user"`
	Roles        []string          `json:"roles"`
	Permissions  []string          `json:"permissions"`
}

func newClaimsView(c auth.ClaimSet) claimsView {
	v := claimsView{
		Subject:      c.Subject(),
		Realm:        c.Realm().String(),
		Email:        c.Email(),
		Stage:        c.Stage().String(),
		PlatformUser: c.PlatformUser(),
		Roles:        c.Roles(),
		Permissions:  c.Permissions(),
	}
	if v.Roles == nil {
		v.Roles = []string{}
	}
	if v.Permissions == nil {
		v.Permissions = []string{}
	}
	if id := c.OrganizationID(); id != "" {
		v.Organization = &organizationView{ID: id, Name: c.OrganizationName(), Code: c.OrganizationCode()}
	}
	return v
}
