package dimensions

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(NewInMemory())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestValidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertRule(ctx, Rule{
		TenantID:              "t1",
		GLCode:                "6001",
		RequiredDimensionKeys: []string{"REAL_IO", "COST_CENTER"},
		OptionalDimensionKeys: []string{"LOCATION"},
	})
	if err != nil {
		t.Fatalf("upsert rule: %v", err)
	}

	cases := []struct {
		name        string
		glCode      string
		present     []string
		wantOK      bool
		wantMissing []string
	}{
		{"one required missing", "6001", []string{"REAL_IO"}, false, []string{"COST_CENTER"}},
		{"all required present plus extras", "6001", []string{"REAL_IO", "COST_CENTER", "LOCATION"}, true, []string{}},
		{"all required missing", "6001", nil, false, []string{"REAL_IO", "COST_CENTER"}},
		{"optional keys never count as missing", "6001", []string{"REAL_IO", "COST_CENTER"}, true, []string{}},
		{"no rule configured passes", "9999", nil, true, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.Validate(ctx, "t1", tc.glCode, tc.present)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if res.OK != tc.wantOK {
				t.Fatalf("expected ok=%v, got %v", tc.wantOK, res.OK)
			}
			if !reflect.DeepEqual(res.MissingRequired, tc.wantMissing) {
				t.Fatalf("expected missing %v, got %v", tc.wantMissing, res.MissingRequired)
			}
		})
	}
}

func TestUpsertRuleReplacesAndNormalizes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.UpsertRule(ctx, Rule{
		TenantID:              "t1",
		GLCode:                "6001",
		RequiredDimensionKeys: []string{" REAL_IO ", "REAL_IO", "COST_CENTER", ""},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !reflect.DeepEqual(first.RequiredDimensionKeys, []string{"REAL_IO", "COST_CENTER"}) {
		t.Fatalf("keys not normalized: %v", first.RequiredDimensionKeys)
	}

	// A second upsert for the same GL code replaces the rule outright.
	second, err := svc.UpsertRule(ctx, Rule{
		TenantID:              "t1",
		GLCode:                "6001",
		RequiredDimensionKeys: []string{"PROJECT"},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !reflect.DeepEqual(second.RequiredDimensionKeys, []string{"PROJECT"}) {
		t.Fatalf("rule not replaced: %v", second.RequiredDimensionKeys)
	}
	res, err := svc.Validate(ctx, "t1", "6001", []string{"REAL_IO", "COST_CENTER"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.OK || len(res.MissingRequired) != 1 || res.MissingRequired[0] != "PROJECT" {
		t.Fatalf("validation should use the replaced rule, got %+v", res)
	}
}

func TestValidateTenantScoping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.UpsertRule(ctx, Rule{
		TenantID:              "t1",
		GLCode:                "6001",
		RequiredDimensionKeys: []string{"COST_CENTER"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// The rule does not apply in another tenant.
	res, err := svc.Validate(ctx, "t2", "6001", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.OK {
		t.Fatalf("rule leaked across tenants: %+v", res)
	}
}

func TestValidateInput(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Validate(context.Background(), "", "6001", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.UpsertRule(context.Background(), Rule{TenantID: "t1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
