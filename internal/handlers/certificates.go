package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h HandlerSet) ListCertificates(c *gin.Context) {
	certs, err := h.services.Certificates.List(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newCertificateList(certs))
}

func (h HandlerSet) CertificateStatus(c *gin.Context) {
	status, err := h.services.Certificates.Status(c.Request.Context(), identity(c).UserID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newCertificateResponse(status.Certificate))
}

func (h HandlerSet) RevokeCertificate(c *gin.Context) {
	cert, err := h.services.Certificates.Revoke(c.Request.Context(), c.Param("id"), identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newCertificateResponse(cert))
}
