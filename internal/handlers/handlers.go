package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"meshid/api/internal/config"
	"meshid/api/internal/middleware"
	"meshid/api/internal/service"
)

// Services groups the identity and enrollment operations exposed over HTTP.
type Services struct {
	Auth         *service.AuthService
	Enrollment   *service.EnrollmentService
	Mesh         *service.MeshService
	Devices      *service.DeviceService
	Certificates *service.CertificateService
}

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	services Services
	limiter  middleware.Allower
	checks   []HealthCheck
}

// NewHandlerSet wires the controllers. limiter may be nil, which disables
// rate limiting.
func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, services Services, limiter middleware.Allower, checks ...HealthCheck) HandlerSet {
	return HandlerSet{
		log:      log,
		cfg:      cfg,
		services: services,
		limiter:  limiter,
		checks:   checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	authed := middleware.Auth(h.services.Auth, h.log)
	throttled := middleware.RateLimit(h.limiter, "auth", h.cfg.RateLimit.AuthPerMinute, h.log)

	auth := v1.Group("/auth")
	{
		auth.POST("/register", throttled, h.RegisterUser)
		auth.POST("/activate", h.Activate)
		auth.POST("/resend-activation", throttled, h.ResendActivation)
		auth.POST("/login", throttled, h.Login)
		auth.POST("/magic-link", throttled, h.RequestMagicLink)
		auth.POST("/otp", throttled, h.RequestOTP)
		auth.POST("/enroll", h.Enroll)
		auth.POST("/password-reset/request", throttled, h.RequestPasswordReset)
		auth.POST("/password-reset", h.ResetPassword)

		auth.POST("/logout", authed, h.Logout)
		auth.GET("/me", authed, h.Me)
		auth.PATCH("/me", authed, h.UpdateMe)
		auth.POST("/deactivate", authed, h.Deactivate)
	}

	meshGroup := v1.Group("/mesh", authed)
	{
		meshGroup.POST("/identity", h.UploadIdentity)
		meshGroup.POST("/permit", h.SendPermit)
		meshGroup.POST("/leave", middleware.RequireDevice(), h.LeaveMesh)
		meshGroup.PATCH("/settings", middleware.RequireDevice(), h.UpdateMeshSettings)
	}

	certs := v1.Group("/certificates", authed)
	{
		certs.POST("", h.IssueCertificate)
		certs.GET("", h.ListCertificates)
		certs.GET("/:id", h.CertificateStatus)
		certs.DELETE("/:id", h.RevokeCertificate)
	}

	devices := v1.Group("/devices", authed)
	{
		devices.POST("", h.CreateDevice)
		devices.GET("", h.ListDevices)
		devices.GET("/:nonce", h.GetDevice)
		devices.PATCH("/:nonce", h.UpdateDevice)
		devices.DELETE("/id/:id", h.RevokeDevice)
	}
}
