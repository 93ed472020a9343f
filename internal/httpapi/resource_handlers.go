package httpapi

import (
	"net/http"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/policy"
)

// The handlers below only return what the caller's claims establish about the
// resource. They exist so each policy is reachable from a real route.

func (a *API) handleOrganization(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	orgID := r.PathValue(policy.RouteOrganizationID)
	resp := map[string]any{
		"organization_id": orgID,
		"member":          claims.OrganizationID() == orgID,
		"platform_access": a.catalog.IsPlatformUser(claims.Roles()),
	}
	if claims.OrganizationID() == orgID {
		resp["name"] = claims.OrganizationName()
		resp["code"] = claims.OrganizationCode()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	userID := r.PathValue(policy.RouteUserID)
	resp := map[string]any{
		"user_id": userID,
		"self":    claims.Subject() == userID,
	}
	if claims.Subject() == userID {
		resp["email"] = claims.Email()
		resp["roles"] = claims.Roles()
	}
	writeJSON(w, http.StatusOK, resp)
}

type roleView struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	Includes    []string `json:"includes"`
}

func (a *API) handleRoleCatalog(w http.ResponseWriter, r *http.Request) {
	roles := a.catalog.Roles()
	out := make([]roleView, 0, len(roles))
	for _, role := range roles {
		eff := a.catalog.Effective([]string{role.Name})
		delete(eff, role.Name)
		out = append(out, roleView{
			Name:        role.Name,
			DisplayName: role.DisplayName,
			Description: role.Description,
			Includes:    eff.Sorted(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (a *API) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      r.PathValue(policy.RouteID),
		"evaluator":   claims.Subject(),
		"evaluations": []any{},
	})
}
