package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type uploadIdentityRequest struct {
	PublicKey string `json:"publicKey" binding:"required"`
	DeviceID  string `json:"deviceId"`
}

type uploadIdentityResponse struct {
	Certificate   certificateResponse `json:"certificate"`
	NextAction    string              `json:"nextAction"`
	AlreadyJoined bool                `json:"alreadyJoined"`
	Permit        string              `json:"permit,omitempty"`
}

// UploadIdentity defaults to the session's device when the body names none.
func (h HandlerSet) UploadIdentity(c *gin.Context) {
	var req uploadIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	caller := identity(c)
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = caller.DeviceID
	}

	result, err := h.services.Mesh.UploadIdentity(c.Request.Context(), caller.UserID, deviceID, req.PublicKey)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyJoined {
		status = http.StatusOK
	}
	ok(c, status, uploadIdentityResponse{
		Certificate:   newCertificateResponse(result.Certificate),
		NextAction:    result.NextAction,
		AlreadyJoined: result.AlreadyJoined,
		Permit:        result.DebugPermit,
	})
}

type certificateRequest struct {
	CertificateID string `json:"certificateId" binding:"required"`
}

type permitResponse struct {
	Certificate certificateResponse `json:"certificate"`
	Email       string              `json:"email"`
	NextAction  string              `json:"nextAction"`
	Permit      string              `json:"permit,omitempty"`
}

func (h HandlerSet) SendPermit(c *gin.Context) {
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.services.Mesh.SendPermit(c.Request.Context(), req.CertificateID, identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, permitResponse{
		Certificate: newCertificateResponse(result.Certificate),
		Email:       result.Email,
		NextAction:  result.NextAction,
		Permit:      result.DebugPermit,
	})
}

func (h HandlerSet) LeaveMesh(c *gin.Context) {
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	caller := identity(c)
	cert, err := h.services.Mesh.LeaveMesh(c.Request.Context(), req.CertificateID, caller.UserID, caller.DeviceID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newCertificateResponse(cert))
}

type meshSettingsRequest struct {
	CertificateID  string `json:"certificateId" binding:"required"`
	RememberDevice *bool  `json:"rememberDevice" binding:"required"`
}

func (h HandlerSet) UpdateMeshSettings(c *gin.Context) {
	var req meshSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	caller := identity(c)
	cert, err := h.services.Mesh.UpdateDeviceSettings(c.Request.Context(), req.CertificateID, caller.UserID, caller.DeviceID, *req.RememberDevice)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newCertificateResponse(cert))
}
