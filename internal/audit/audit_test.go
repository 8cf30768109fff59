package audit

import (
	"testing"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/rbac"
)

func TestBuildFilter(t *testing.T) {
	admin := rbac.Principal{UserID: "u-admin", OrganizationID: "org", Role: domain.RoleAdmin}
	member := rbac.Principal{UserID: "u-member", OrganizationID: "org", Role: domain.RoleMember}
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	tests := []struct {
		name       string
		p          rbac.Principal
		in         ListInput
		wantUserID string
		wantStatus domain.ToolCallStatus
		wantErr    bool
	}{
		{
			name:       "admin keeps the user filter",
			p:          admin,
			in:         ListInput{UserID: "someone-else", Status: "success"},
			wantUserID: "someone-else",
			wantStatus: domain.ToolCallSuccess,
		},
		{
			name:       "member is pinned to their own calls",
			p:          member,
			in:         ListInput{UserID: "someone-else"},
			wantUserID: "u-member",
		},
		{
			name:       "error status accepted",
			p:          admin,
			in:         ListInput{Status: "error"},
			wantStatus: domain.ToolCallError,
		},
		{
			name:    "unknown status rejected",
			p:       admin,
			in:      ListInput{Status: "pending"},
			wantErr: true,
		},
		{
			name:    "inverted time range rejected",
			p:       admin,
			in:      ListInput{StartTime: end, EndTime: start},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := buildFilter(tt.p, tt.in)
			if tt.wantErr {
				domErr, ok := domain.AsError(err)
				if !ok || domErr.Code != domain.CodeValidationError {
					t.Fatalf("err = %v, want %s", err, domain.CodeValidationError)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildFilter error: %v", err)
			}
			if filter.UserID != tt.wantUserID {
				t.Errorf("UserID = %q, want %q", filter.UserID, tt.wantUserID)
			}
			if filter.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", filter.Status, tt.wantStatus)
			}
		})
	}
}

func TestBuildFilterCarriesToolNameAndTimes(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	filter, err := buildFilter(
		rbac.Principal{UserID: "u", OrganizationID: "org", Role: domain.RoleAdmin},
		ListInput{ToolName: "search", StartTime: start, EndTime: end})
	if err != nil {
		t.Fatalf("buildFilter error: %v", err)
	}
	if filter.ToolName != "search" {
		t.Errorf("ToolName = %q, want search", filter.ToolName)
	}
	if !filter.StartTime.Equal(start) || !filter.EndTime.Equal(end) {
		t.Errorf("time range = %v..%v, want %v..%v", filter.StartTime, filter.EndTime, start, end)
	}
}
