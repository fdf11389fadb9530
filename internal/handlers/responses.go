package handlers

import (
	"time"

	"meshid/api/internal/models"
	"meshid/api/internal/service"
)

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Nickname  string    `json:"nickname"`
	Avatar    *string   `json:"avatar,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func newUserResponse(u models.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Phone:     u.Phone,
		Nickname:  u.Nickname,
		Avatar:    u.Avatar,
		Status:    string(u.Status),
		CreatedAt: u.CreatedAt,
	}
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	DeviceID  string       `json:"deviceId"`
	User      userResponse `json:"user"`
}

func newSessionResponse(r service.SessionResult) sessionResponse {
	return sessionResponse{
		Token:     r.Token,
		ExpiresAt: r.ExpiresAt,
		DeviceID:  r.DeviceID,
		User:      newUserResponse(r.User),
	}
}

type certificateResponse struct {
	ID               string     `json:"id"`
	DeviceID         string     `json:"deviceId"`
	ZTMUsername      string     `json:"ztmUsername"`
	Status           string     `json:"status"`
	MeshState        string     `json:"meshState"`
	Fingerprint      string     `json:"fingerprint"`
	NotBefore        time.Time  `json:"notBefore"`
	NotAfter         time.Time  `json:"notAfter"`
	CertificateChain string     `json:"certificateChain,omitempty"`
	PermitSent       bool       `json:"permitSent"`
	PermitSentAt     *time.Time `json:"permitSentAt,omitempty"`
	IsJoinedMesh     bool       `json:"isJoinedMesh"`
	RememberDevice   bool       `json:"rememberDevice"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func newCertificateResponse(c models.Certificate) certificateResponse {
	return certificateResponse{
		ID:               c.ID,
		DeviceID:         c.DeviceID,
		ZTMUsername:      c.ZTMUsername,
		Status:           string(c.Status),
		MeshState:        string(c.MeshState()),
		Fingerprint:      c.Fingerprint,
		NotBefore:        c.NotBefore,
		NotAfter:         c.NotAfter,
		CertificateChain: c.CertificateChain,
		PermitSent:       c.PermitSent,
		PermitSentAt:     c.PermitSentAt,
		IsJoinedMesh:     c.IsJoinedMesh,
		RememberDevice:   c.RememberDevice,
		CreatedAt:        c.CreatedAt,
	}
}

func newCertificateList(certs []models.Certificate) []certificateResponse {
	out := make([]certificateResponse, 0, len(certs))
	for _, c := range certs {
		out = append(out, newCertificateResponse(c))
	}
	return out
}

type deviceResponse struct {
	ID           string                `json:"id"`
	OS           string                `json:"os"`
	Arch         string                `json:"arch"`
	AgentVersion string                `json:"agentVersion"`
	DeviceNonce  string                `json:"deviceNonce"`
	LastSeen     time.Time             `json:"lastSeen"`
	CreatedAt    time.Time             `json:"createdAt"`
	Certificates []certificateResponse `json:"certificates,omitempty"`
}

func newDeviceResponse(d models.Device) deviceResponse {
	return deviceResponse{
		ID:           d.ID,
		OS:           d.OS,
		Arch:         d.Arch,
		AgentVersion: d.AgentVersion,
		DeviceNonce:  d.DeviceNonce,
		LastSeen:     d.LastSeen,
		CreatedAt:    d.CreatedAt,
	}
}
