package registry

import (
	"testing"

	"mcpgate/internal/domain"
)

func TestVerifyActAs(t *testing.T) {
	tests := []struct {
		name    string
		claimed domain.OrganizationRole
		held    domain.OrganizationRole
		wantErr bool
	}{
		{name: "admin acting as admin", claimed: domain.RoleAdmin, held: domain.RoleAdmin},
		{name: "demoted member acting as admin", claimed: domain.RoleAdmin, held: domain.RoleMember, wantErr: true},
		{name: "admin acting with member role", claimed: domain.RoleMember, held: domain.RoleAdmin},
		{name: "member acting as member", claimed: domain.RoleMember, held: domain.RoleMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyActAs(tt.claimed, tt.held)
			if tt.wantErr {
				domErr, ok := domain.AsError(err)
				if !ok || domErr.Code != domain.CodeNotPermitted {
					t.Errorf("err = %v, want %s", err, domain.CodeNotPermitted)
				}
				return
			}
			if err != nil {
				t.Errorf("verifyActAs error: %v", err)
			}
		})
	}
}
