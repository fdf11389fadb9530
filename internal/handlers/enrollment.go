package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meshid/api/internal/service"
)

type enrollmentRequest struct {
	EmailOrPhone string `json:"emailOrPhone" binding:"required"`
	DeviceNonce  string `json:"deviceNonce" binding:"required"`
}

type enrollmentRequestResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token,omitempty"`
}

func (h HandlerSet) RequestMagicLink(c *gin.Context) {
	h.requestEnrollment(c, h.services.Enrollment.RequestMagicLink)
}

func (h HandlerSet) RequestOTP(c *gin.Context) {
	h.requestEnrollment(c, h.services.Enrollment.RequestOTP)
}

type enrollmentRequester func(ctx context.Context, emailOrPhone, deviceNonce string) (service.EnrollmentRequestResult, error)

func (h HandlerSet) requestEnrollment(c *gin.Context, request enrollmentRequester) {
	var req enrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := request(c.Request.Context(), req.EmailOrPhone, req.DeviceNonce)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusAccepted, enrollmentRequestResponse{ExpiresAt: result.ExpiresAt, Token: result.DebugToken})
}

type enrollRequest struct {
	Token       string `json:"token" binding:"required"`
	DeviceNonce string `json:"deviceNonce" binding:"required"`
}

// Enroll exchanges a magic link or OTP for a session bound to the device.
func (h HandlerSet) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.services.Enrollment.Exchange(c.Request.Context(), req.Token, req.DeviceNonce)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newSessionResponse(result))
}

type issueCertificateRequest struct {
	DeviceNonce     string `json:"deviceNonce" binding:"required"`
	CSR             string `json:"csr" binding:"required"`
	EnrollmentToken string `json:"enrollmentToken" binding:"required"`
}

func (h HandlerSet) IssueCertificate(c *gin.Context) {
	var req issueCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	cert, err := h.services.Enrollment.IssueCertificate(c.Request.Context(), service.IssueCertificateInput{
		UserID:          identity(c).UserID,
		DeviceNonce:     req.DeviceNonce,
		CSR:             req.CSR,
		EnrollmentToken: req.EnrollmentToken,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, newCertificateResponse(cert))
}
