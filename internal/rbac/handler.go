package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/authensi/authz/internal/platform/httpx"
)

// Handler exposes the engine over a JSON API. The caller's identity is
// assumed to be established upstream and arrives as an opaque id in the
// X-Actor-Id header.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	return &Handler{logger: logger, engine: engine, validate: validator.New()}
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type permissionRequest struct {
	Name     string `json:"name" validate:"max=128"`
	Resource string `json:"resource" validate:"required,max=128"`
	Action   string `json:"action" validate:"required,max=128"`
}

type permissionResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	IsSystem bool   `json:"is_system"`
}

type grantRequest struct {
	PermissionID int64 `json:"permission_id" validate:"required,gt=0"`
}

type edgeRequest struct {
	ParentRoleID int64 `json:"parent_role_id" validate:"required,gt=0"`
	ChildRoleID  int64 `json:"child_role_id" validate:"required,gt=0"`
}

type assignRequest struct {
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	Scope     string     `json:"scope" validate:"max=128"`
	ExpiresAt *time.Time `json:"expires_at"`
	Notes     string     `json:"notes" validate:"max=1024"`
}

type assignmentResponse struct {
	ID         int64      `json:"id"`
	UserID     string     `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	Scope      string     `json:"scope,omitempty"`
	IsActive   bool       `json:"is_active"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

type auditResponse struct {
	ID          int64          `json:"id"`
	UserID      string         `json:"user_id,omitempty"`
	RoleID      *int64         `json:"role_id,omitempty"`
	Action      string         `json:"action"`
	OldValues   map[string]any `json:"old_values,omitempty"`
	NewValues   map[string]any `json:"new_values,omitempty"`
	PerformedBy string         `json:"performed_by,omitempty"`
	PerformedAt time.Time      `json:"performed_at"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.engine.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	result := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		result = append(result, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.engine.CreateRole(r.Context(), req.Name, req.Description, actorID(r), requestMeta(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.engine.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.engine.UpdateRole(r.Context(), id, req.Name, req.Description, actorID(r), requestMeta(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.engine.DeleteRole(r.Context(), id, actorID(r), requestMeta(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.engine.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	result := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		result = append(result, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.engine.CreatePermission(r.Context(), Permission{
		Name:     req.Name,
		Resource: req.Resource,
		Action:   req.Action,
	}, actorID(r), requestMeta(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(perm))
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.engine.UpdatePermission(r.Context(), Permission{
		ID:       id,
		Name:     req.Name,
		Resource: req.Resource,
		Action:   req.Action,
	}, actorID(r), requestMeta(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionResponse(perm))
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.engine.DeletePermission(r.Context(), id, actorID(r), requestMeta(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.engine.GrantPermissionToRole(r.Context(), GrantPermissionCommand{
		RoleID:       roleID,
		PermissionID: req.PermissionID,
		PerformedBy:  actorID(r),
		Meta:         requestMeta(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	permissionID, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	err := h.engine.RevokePermissionFromRole(r.Context(), RevokePermissionCommand{
		RoleID:       roleID,
		PermissionID: permissionID,
		PerformedBy:  actorID(r),
		Meta:         requestMeta(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.engine.AddHierarchyEdge(r.Context(), EdgeCommand{
		ParentID:    req.ParentRoleID,
		ChildID:     req.ChildRoleID,
		PerformedBy: actorID(r),
		Meta:        requestMeta(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) removeEdge(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathID(w, r, "parentID")
	if !ok {
		return
	}
	childID, ok := pathID(w, r, "childID")
	if !ok {
		return
	}
	err := h.engine.RemoveHierarchyEdge(r.Context(), EdgeCommand{
		ParentID:    parentID,
		ChildID:     childID,
		PerformedBy: actorID(r),
		Meta:        requestMeta(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	assignments, err := h.engine.ListUserRoles(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	result := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		result = append(result, toAssignmentResponse(a))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.engine.AssignRoleToUser(r.Context(), AssignCommand{
		UserID:     userID,
		RoleID:     req.RoleID,
		AssignedBy: actorID(r),
		Scope:      req.Scope,
		ExpiresAt:  req.ExpiresAt,
		Notes:      req.Notes,
		Meta:       requestMeta(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"assignment_id": id})
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	revoked, err := h.engine.RevokeRoleFromUser(r.Context(), RevokeCommand{
		UserID:    userID,
		RoleID:    roleID,
		RevokedBy: actorID(r),
		Meta:      requestMeta(r),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	perms, err := h.engine.GetUserPermissions(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	result := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		result = append(result, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	resource := r.URL.Query().Get("resource")
	action := r.URL.Query().Get("action")
	if userID == "" || resource == "" || action == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id, resource and action are required")
		return
	}
	allowed, err := h.engine.CheckPermission(r.Context(), userID, resource, action)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	filter := AuditFilter{
		UserID: r.URL.Query().Get("user_id"),
		Action: AuditAction(r.URL.Query().Get("action")),
	}
	if raw := r.URL.Query().Get("role_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role_id must be an integer")
			return
		}
		filter.RoleID = &id
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return
		}
		filter.To = t
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := h.engine.QueryAuditLog(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	result := make([]auditResponse, 0, len(entries))
	for _, entry := range entries {
		result = append(result, toAuditResponse(entry))
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrCycleDetected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Cycle Detected", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("rbac handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func actorID(r *http.Request) string {
	return r.Header.Get("X-Actor-Id")
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		IsSystem:    role.IsSystem,
		CreatedBy:   role.CreatedBy,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{
		ID:       p.ID,
		Name:     p.Name,
		Resource: p.Resource,
		Action:   p.Action,
		IsSystem: p.IsSystem,
	}
}

func toAssignmentResponse(a Assignment) assignmentResponse {
	return assignmentResponse{
		ID:         a.ID,
		UserID:     a.UserID,
		RoleID:     a.RoleID,
		Scope:      a.Scope,
		IsActive:   a.IsActive,
		AssignedAt: a.AssignedAt,
		AssignedBy: a.AssignedBy,
		ExpiresAt:  a.ExpiresAt,
		Notes:      a.Notes,
	}
}

func toAuditResponse(entry AuditEntry) auditResponse {
	return auditResponse{
		ID:          entry.ID,
		UserID:      entry.UserID,
		RoleID:      entry.RoleID,
		Action:      string(entry.Action),
		OldValues:   entry.OldValues,
		NewValues:   entry.NewValues,
		PerformedBy: entry.PerformedBy,
		PerformedAt: entry.PerformedAt,
		IPAddress:   entry.IPAddress,
		UserAgent:   entry.UserAgent,
	}
}
