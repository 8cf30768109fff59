package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"mcpgate/internal/domain"
	"mcpgate/internal/telemetry"
)

func testPlan(code string, minSeats, maxSeats int, maxServers *int) *domain.SubscriptionPlan {
	return &domain.SubscriptionPlan{
		ID:                  "plan-" + code,
		PlanCode:            code,
		MinSeats:            minSeats,
		MaxSeats:            maxSeats,
		MaxCustomMCPServers: maxServers,
	}
}

func intPtr(n int) *int { return &n }

func TestPlanFits(t *testing.T) {
	team := testPlan("team", 2, 50, intPtr(10))

	tests := []struct {
		name          string
		plan          *domain.SubscriptionPlan
		seatCount     int
		members       int
		customServers int
		wantErr       bool
	}{
		{name: "within bounds", plan: team, seatCount: 10, members: 8, customServers: 3},
		{name: "below plan minimum", plan: team, seatCount: 1, members: 1, wantErr: true},
		{name: "above plan maximum", plan: team, seatCount: 51, members: 1, wantErr: true},
		{name: "fewer seats than members", plan: team, seatCount: 5, members: 8, wantErr: true},
		{name: "seats exactly cover members", plan: team, seatCount: 8, members: 8},
		{name: "custom servers over plan cap", plan: team, seatCount: 10, members: 2, customServers: 11, wantErr: true},
		{name: "unlimited custom servers", plan: testPlan("biz", 1, 100, nil), seatCount: 10, members: 2, customServers: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := planFits(tt.plan, tt.seatCount, tt.members, tt.customServers)
			if tt.wantErr {
				domErr, ok := domain.AsError(err)
				if !ok || domErr.Code != domain.CodeRequestedSubscriptionInvalid {
					t.Errorf("err = %v, want %s", err, domain.CodeRequestedSubscriptionInvalid)
				}
				return
			}
			if err != nil {
				t.Errorf("planFits error: %v", err)
			}
		})
	}
}

func TestFreeSeatCount(t *testing.T) {
	free := testPlan("free", 1, 3, intPtr(0))
	if got := freeSeatCount(free); got != 3 {
		t.Errorf("freeSeatCount = %d, want the plan maximum 3", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc := &Service{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    telemetry.NewMetrics(prometheus.NewRegistry()),
		webhookKey: "whsec_test",
	}

	err := svc.HandleWebhook(context.Background(), []byte(`{"id":"evt_1"}`), "t=1,v1=bogus")
	domErr, ok := domain.AsError(err)
	if !ok || domErr.Code != domain.CodeValidationError {
		t.Fatalf("err = %v, want %s", err, domain.CodeValidationError)
	}
}
