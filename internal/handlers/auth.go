package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meshid/api/internal/service"
)

type registerRequest struct {
	Email    string `json:"email" binding:"omitempty,email"`
	Phone    string `json:"phone"`
	Nickname string `json:"nickname" binding:"required"`
	Password string `json:"password"`
}

type registerResponse struct {
	User            userResponse `json:"user"`
	ActivationToken string       `json:"activationToken,omitempty"`
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.services.Auth.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Phone:    req.Phone,
		Nickname: req.Nickname,
		Password: req.Password,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	ok(c, http.StatusCreated, registerResponse{
		User:            newUserResponse(result.User),
		ActivationToken: result.DebugActivationToken,
	})
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (h HandlerSet) Activate(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.services.Auth.Activate(c.Request.Context(), req.Token); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"activated": true})
}

type emailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (h HandlerSet) ResendActivation(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.services.Auth.ResendActivation(c.Request.Context(), req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"sent": result.DebugActivationToken == ""}
	if result.DebugActivationToken != "" {
		resp["activationToken"] = result.DebugActivationToken
	}
	ok(c, http.StatusOK, resp)
}

type loginRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.services.Auth.Login(c.Request.Context(), service.LoginInput{
		Email:     req.Email,
		Phone:     req.Phone,
		Password:  req.Password,
		DeviceID:  req.DeviceID,
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	ok(c, http.StatusOK, newSessionResponse(result))
}

func (h HandlerSet) Logout(c *gin.Context) {
	if err := h.services.Auth.Logout(c.Request.Context(), sessionToken(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Me(c *gin.Context) {
	user, err := h.services.Auth.GetProfile(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newUserResponse(user))
}

type updateProfileRequest struct {
	Nickname *string `json:"nickname"`
	Avatar   *string `json:"avatar"`
}

func (h HandlerSet) UpdateMe(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.services.Auth.UpdateProfile(c.Request.Context(), identity(c).UserID, service.ProfileUpdate{
		Nickname: req.Nickname,
		Avatar:   req.Avatar,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, newUserResponse(user))
}

func (h HandlerSet) Deactivate(c *gin.Context) {
	if err := h.services.Auth.Deactivate(c.Request.Context(), identity(c).UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) RequestPasswordReset(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.services.Auth.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"sent": result.DebugResetToken == ""}
	if result.DebugResetToken != "" {
		resp["resetToken"] = result.DebugResetToken
	}
	ok(c, http.StatusOK, resp)
}

type resetPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h HandlerSet) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.services.Auth.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"reset": true})
}
