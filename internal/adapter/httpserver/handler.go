package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pbfleet/pbfleet-agent/internal/domain"
	domainerrors "github.com/pbfleet/pbfleet-agent/internal/domain/errors"
	"github.com/pbfleet/pbfleet-agent/internal/orchestrator"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type createInstanceRequest struct {
	Name          string `json:"name" binding:"required"`
	Version       string `json:"version" binding:"required"`
	Port          int    `json:"port"`
	Domain        string `json:"domain"`
	DevMode       bool   `json:"dev_mode"`
	AdminEmail    string `json:"admin_email"`
	AdminPassword string `json:"admin_password"`
}

type setDomainRequest struct {
	Domain string `json:"domain"`
}

type setDevModeRequest struct {
	Enabled bool `json:"enabled"`
}

type switchVersionRequest struct {
	Version string `json:"version" binding:"required"`
}

type addAdminRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// API maps core operations to routes.
type API struct {
	instances *orchestrator.Service
	releases  domain.ReleaseSource
	logger    *slog.Logger
}

func NewAPI(instances *orchestrator.Service, releases domain.ReleaseSource, logger *slog.Logger) *API {
	return &API{instances: instances, releases: releases, logger: logger}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", a.ping)
	router.GET("/metrics", a.metrics)
	router.GET("/versions", a.listVersions)

	router.GET("/instances", a.listInstances)
	router.POST("/instances", a.createInstance)
	router.GET("/instances/:id", a.getInstance)
	router.DELETE("/instances/:id", a.deleteInstance)
	router.GET("/instances/:id/status", a.instanceStatus)
	router.GET("/instances/:id/logs", a.instanceLogs)
	router.POST("/instances/:id/start", a.startInstance)
	router.POST("/instances/:id/stop", a.stopInstance)
	router.POST("/instances/:id/restart", a.restartInstance)
	router.POST("/instances/:id/dev", a.setDevMode)
	router.POST("/instances/:id/domain", a.setDomain)
	router.POST("/instances/:id/version", a.switchVersion)

	router.GET("/instances/:id/files", a.listFiles)
	router.POST("/instances/:id/files/upload", a.uploadFiles)
	router.GET("/instances/:id/files/download", a.downloadFile)
	router.POST("/instances/:id/files/mkdir", a.mkdir)
	router.POST("/instances/:id/files/delete", a.deleteFiles)
	router.POST("/instances/:id/files/copy", a.copyFile)
	router.POST("/instances/:id/files/move", a.moveFile)

	router.GET("/instances/:id/admins", a.listAdmins)
	router.POST("/instances/:id/admins", a.addAdmin)
	router.DELETE("/instances/:id/admins/:adminId", a.removeAdmin)
}

// statusFor maps core error types to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.As(err, &domainerrors.ValidationError{}),
		errors.As(err, &domainerrors.PathEscape{}):
		return http.StatusBadRequest
	case errors.As(err, &domainerrors.NotFound{}):
		return http.StatusNotFound
	case errors.As(err, &domainerrors.NameConflict{}),
		errors.As(err, &domainerrors.PortConflict{}),
		errors.As(err, &domainerrors.AlreadyRunning{}),
		errors.As(err, &domainerrors.InvalidState{}),
		errors.As(err, &domainerrors.ProtectedPath{}):
		return http.StatusConflict
	case errors.As(err, &domainerrors.SupervisorUnavailable{}):
		return http.StatusBadGateway
	case errors.As(err, &domainerrors.ResourceExhausted{}):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(status, response{Ok: false, Error: err.Error()})
}

func (a *API) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Ok: true, Data: data})
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) listVersions(c *gin.Context) {
	releases, err := a.releases.List(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, releases)
}

func (a *API) listInstances(c *gin.Context) {
	statuses, err := a.instances.ListWithStatus(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, statuses)
}

func (a *API) createInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	inst, err := a.instances.Create(c.Request.Context(), orchestrator.CreateInput{
		Name:          req.Name,
		Version:       req.Version,
		Port:          req.Port,
		Domain:        req.Domain,
		DevMode:       req.DevMode,
		AdminEmail:    req.AdminEmail,
		AdminPassword: req.AdminPassword,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, inst)
}

func (a *API) getInstance(c *gin.Context) {
	inst, err := a.instances.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, inst)
}

func (a *API) deleteInstance(c *gin.Context) {
	if err := a.instances.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) instanceStatus(c *gin.Context) {
	status, err := a.instances.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, status)
}

func (a *API) instanceLogs(c *gin.Context) {
	lines := 100
	if v, err := strconv.Atoi(c.Query("lines")); err == nil && v > 0 {
		lines = v
	}
	out, err := a.instances.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{"logs": out})
}

func (a *API) startInstance(c *gin.Context) {
	if err := a.instances.Start(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) stopInstance(c *gin.Context) {
	if err := a.instances.Stop(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) restartInstance(c *gin.Context) {
	if err := a.instances.Restart(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) setDevMode(c *gin.Context) {
	var req setDevModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	inst, err := a.instances.ToggleDevMode(c.Request.Context(), c.Param("id"), req.Enabled)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, inst)
}

func (a *API) setDomain(c *gin.Context) {
	var req setDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	inst, err := a.instances.SetDomain(c.Request.Context(), c.Param("id"), req.Domain)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, inst)
}

func (a *API) switchVersion(c *gin.Context) {
	var req switchVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	inst, err := a.instances.SwitchVersion(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, inst)
}

func (a *API) listAdmins(c *gin.Context) {
	admins, err := a.instances.ListAdmins(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, admins)
}

func (a *API) addAdmin(c *gin.Context) {
	var req addAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	if err := a.instances.AddAdmin(c.Request.Context(), c.Param("id"), req.Email, req.Password); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) removeAdmin(c *gin.Context) {
	if err := a.instances.RemoveAdmin(c.Request.Context(), c.Param("id"), c.Param("adminId")); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}
