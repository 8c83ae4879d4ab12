package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	schema := `{
	name: string
	size: int & >0
}`
	if err := sr.RegisterSchema("widget", schema); err != nil {
		t.Fatalf("Failed to register schema: %v", err)
	}

	if _, ok := sr.GetSchema("widget"); !ok {
		t.Error("Expected to find registered schema")
	}
	if _, ok := sr.GetSchema("nonexistent"); ok {
		t.Error("Expected missing schema to not be found")
	}

	ctx := context.Background()
	valid := map[string]interface{}{"name": "disk", "size": 100}
	if err := sr.ValidateAgainstSchema(ctx, "widget", valid); err != nil {
		t.Errorf("Expected valid data to pass, got: %v", err)
	}

	invalid := map[string]interface{}{"name": "disk", "size": 0}
	if err := sr.ValidateAgainstSchema(ctx, "widget", invalid); err == nil {
		t.Error("Expected out-of-bound size to fail validation")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{"stack", "instance", "service", "ingress", "cost"} {
		if _, ok := sr.GetSchema(name); !ok {
			t.Errorf("Expected built-in schema %s to be registered", name)
		}
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	if len(names) < 5 {
		t.Errorf("Expected at least 5 built-in schemas, got %d", len(names))
	}

	found := false
	for _, name := range names {
		if name == "stack" {
			found = true
		}
	}
	if !found {
		t.Error("Expected stack schema in list")
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", `#Broken: {`); err == nil {
		t.Error("Expected error registering malformed schema")
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.ValidateAgainstSchema(context.Background(), "nonexistent", map[string]interface{}{})
	if err == nil {
		t.Fatal("Expected error for unknown schema")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected not found error, got: %v", err)
	}
}

func TestSchemaRegistry_ValidateStack(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := &StackManifest{
		Name:        "ai-starter-kit",
		Environment: "production",
		Region:      "us-east-1",
		Instance: InstanceSpec{
			Type:  "g4dn.xlarge",
			Count: 1,
		},
		TimeoutSeconds: 1800,
	}
	if err := sr.ValidateStack(ctx, valid); err != nil {
		t.Errorf("Expected valid manifest to pass, got: %v", err)
	}

	invalid := &StackManifest{
		Name:        "bad-instance",
		Environment: "production",
		Region:      "us-east-1",
		Instance: InstanceSpec{
			Type:  "GPU-BOX",
			Count: 1,
		},
		TimeoutSeconds: 1800,
	}
	if err := sr.ValidateStack(ctx, invalid); err == nil {
		t.Error("Expected invalid instance type to fail validation")
	}
}

func TestSchemaRegistry_ValidateService(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		service ServiceSpec
		wantErr bool
	}{
		{
			name:    "valid service",
			service: ServiceSpec{Name: "n8n", Port: 5678},
			wantErr: false,
		},
		{
			name:    "uppercase name",
			service: ServiceSpec{Name: "N8N", Port: 5678},
			wantErr: true,
		},
		{
			name:    "zero port",
			service: ServiceSpec{Name: "n8n", Port: 0},
			wantErr: true,
		},
		{
			name:    "port too large",
			service: ServiceSpec{Name: "n8n", Port: 70000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateService(ctx, tt.service)
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_ValidateIngress(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		rule    IngressRule
		wantErr bool
	}{
		{
			name:    "explicit protocol",
			rule:    IngressRule{Protocol: "udp", Port: 53, CIDR: "10.0.0.0/8"},
			wantErr: false,
		},
		{
			name:    "defaulted protocol",
			rule:    IngressRule{Port: 443, CIDR: "0.0.0.0/0"},
			wantErr: false,
		},
		{
			name:    "bad protocol",
			rule:    IngressRule{Protocol: "icmp", Port: 443, CIDR: "0.0.0.0/0"},
			wantErr: true,
		},
		{
			name:    "bad cidr",
			rule:    IngressRule{Protocol: "tcp", Port: 443, CIDR: "everywhere"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateIngress(ctx, tt.rule)
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}
