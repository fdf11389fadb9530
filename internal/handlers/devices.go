package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meshid/api/internal/models"
	"meshid/api/internal/service"
)

type createDeviceRequest struct {
	OS           string `json:"os" binding:"required"`
	Arch         string `json:"arch" binding:"required"`
	AgentVersion string `json:"agentVersion"`
}

func (h HandlerSet) CreateDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	device, err := h.services.Devices.Create(c.Request.Context(), identity(c).UserID, service.CreateDeviceInput{
		OS:           req.OS,
		Arch:         req.Arch,
		AgentVersion: req.AgentVersion,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, newDeviceResponse(device))
}

func (h HandlerSet) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.List(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp := newDeviceResponse(d.Device)
		resp.Certificates = newCertificateList(d.Certificates)
		out = append(out, resp)
	}
	ok(c, http.StatusOK, out)
}

func (h HandlerSet) GetDevice(c *gin.Context) {
	device, err := h.services.Devices.GetByNonce(c.Request.Context(), identity(c).UserID, c.Param("nonce"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newDeviceResponse(device))
}

type updateDeviceRequest struct {
	OS           *string `json:"os"`
	Arch         *string `json:"arch"`
	AgentVersion *string `json:"agentVersion"`
}

func (h HandlerSet) UpdateDevice(c *gin.Context) {
	var req updateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	device, err := h.services.Devices.UpdateByNonce(c.Request.Context(), identity(c).UserID, c.Param("nonce"), models.DeviceUpdate{
		OS:           req.OS,
		Arch:         req.Arch,
		AgentVersion: req.AgentVersion,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newDeviceResponse(device))
}

func (h HandlerSet) RevokeDevice(c *gin.Context) {
	if err := h.services.Devices.Revoke(c.Request.Context(), c.Param("id"), identity(c).UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
