package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserStatusTransitions(t *testing.T) {
	tests := []struct {
		from UserStatus
		to   UserStatus
		want bool
	}{
		{UserStatusPending, UserStatusActive, true},
		{UserStatusPending, UserStatusInactive, false},
		{UserStatusActive, UserStatusInactive, true},
		{UserStatusActive, UserStatusSuspended, true},
		{UserStatusActive, UserStatusPending, false},
		{UserStatusInactive, UserStatusActive, false},
		{UserStatusSuspended, UserStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestCertificateMeshState(t *testing.T) {
	assert.Equal(t, MeshStateIdentityUploaded, Certificate{}.MeshState())
	assert.Equal(t, MeshStateJoined, Certificate{PermitSent: true, IsJoinedMesh: true}.MeshState())
	assert.Equal(t, MeshStateLeft, Certificate{PermitSent: true}.MeshState())
}
