package policy

import (
	"time"
)

// BuiltinPolicies returns the deployment policies that ship with the engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		allowedInstanceTypesPolicy(),
		requiredTagsPolicy(),
		costLimitPolicy(),
		spotPriceCapPolicy(),
		openIngressPolicy(),
	}
}

// allowedInstanceTypesPolicy restricts stacks to the supported GPU families.
func allowedInstanceTypesPolicy() Policy {
	return Policy{
		Name:        "allowed-instance-types",
		Description: "Restricts instance types to the supported GPU families (g4dn, g4ad, g5)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"compute", "cost"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackkit.policies.instances

import rego.v1

# GPU families a stack may request
allowed_families := ["g4dn", "g4ad", "g5"]

deny contains violation if {
	input.manifest
	instance_type := input.manifest.instance.type
	family := split(instance_type, ".")[0]
	not family in allowed_families
	violation := {
		"message": sprintf("Instance type %s is not in an allowed GPU family (g4dn, g4ad, g5)", [instance_type]),
		"severity": "error",
		"resource": input.manifest.name,
	}
}`,
	}
}

// requiredTagsPolicy ensures the cost-tracking tags are present.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Ensures the Project and Environment tags are present and non-empty",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"tags", "metadata"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackkit.policies.tags

import rego.v1

required_tags := ["Project", "Environment"]

deny contains violation if {
	input.manifest
	not input.manifest.tags
	violation := {
		"message": sprintf("Stack %s must carry tags", [input.manifest.name]),
		"severity": "error",
		"resource": input.manifest.name,
	}
}

deny contains violation if {
	input.manifest.tags
	some tag in required_tags
	not input.manifest.tags[tag]
	violation := {
		"message": sprintf("Stack %s missing required tag: %s", [input.manifest.name, tag]),
		"severity": "error",
		"resource": input.manifest.name,
	}
}

deny contains violation if {
	some tag in required_tags
	input.manifest.tags[tag] == ""
	violation := {
		"message": sprintf("Stack %s has empty required tag: %s", [input.manifest.name, tag]),
		"severity": "error",
		"resource": input.manifest.name,
	}
}`,
	}
}

// costLimitPolicy rejects manifests whose estimate exceeds their own limit.
func costLimitPolicy() Policy {
	return Policy{
		Name:        "cost-limit",
		Description: "Rejects stacks whose estimated daily cost exceeds the declared daily limit",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cost"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackkit.policies.cost

import rego.v1

deny contains violation if {
	limit := input.manifest.cost.daily_limit
	limit > 0
	estimate := input.manifest.cost.estimated_daily
	estimate > limit
	violation := {
		"message": sprintf("Estimated daily cost $%.2f exceeds the daily limit $%.2f", [estimate, limit]),
		"severity": "error",
		"resource": input.manifest.name,
	}
}

deny contains violation if {
	limit := input.manifest.cost.daily_limit
	limit > 0
	estimate := input.manifest.cost.estimated_daily
	estimate <= limit
	estimate > limit * 0.8
	violation := {
		"message": sprintf("Estimated daily cost $%.2f is above 80%% of the daily limit $%.2f", [estimate, limit]),
		"severity": "warning",
		"resource": input.manifest.name,
	}
}`,
	}
}

// spotPriceCapPolicy caps how high a spot bid may go.
func spotPriceCapPolicy() Policy {
	return Policy{
		Name:        "spot-price-cap",
		Description: "Caps the hourly spot bid at $0.75",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cost", "compute"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackkit.policies.spot

import rego.v1

# Maximum hourly spot bid in USD
max_spot_price := 0.75

deny contains violation if {
	price := input.manifest.instance.spot_price
	price > max_spot_price
	violation := {
		"message": sprintf("Spot price bid $%.2f exceeds the cap of $%.2f", [price, max_spot_price]),
		"severity": "error",
		"resource": input.manifest.name,
	}
}`,
	}
}

// openIngressPolicy forbids world-open ports other than HTTP and HTTPS.
func openIngressPolicy() Policy {
	return Policy{
		Name:        "open-ingress",
		Description: "Forbids ingress from 0.0.0.0/0 except on ports 80 and 443",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"network", "security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackkit.policies.ingress

import rego.v1

# Ports that may be open to the world
public_ports := [80, 443]

deny contains violation if {
	some rule in input.manifest.ingress
	rule.cidr == "0.0.0.0/0"
	not rule.port in public_ports
	violation := {
		"message": sprintf("Ingress rule exposes port %d to 0.0.0.0/0; only ports 80 and 443 may be public", [rule.port]),
		"severity": "critical",
		"resource": input.manifest.name,
	}
}`,
	}
}
