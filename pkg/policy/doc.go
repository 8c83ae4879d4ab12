// Package policy implements the Rego deployment gate.
//
// Stack manifests are checked against a set of Open Policy Agent policies
// before any resource is provisioned. Each policy is a Rego module whose
// deny set describes what is wrong with the input; the engine aggregates
// the deny sets of every enabled policy into a PolicyResult. A deployment
// may proceed only when the result's Allowed field is true, which is the
// case when no violation carries error or critical severity. Warning and
// info violations are surfaced but never block.
//
// Five built-in policies ship with the engine:
//
//   - allowed-instance-types: the stack's instance type must be in one of
//     the supported GPU families (g4dn, g4ad, g5).
//   - required-tags: the Project and Environment tags must be present and
//     non-empty, so every provisioned resource can be cost-attributed.
//   - cost-limit: the manifest's estimated daily cost must not exceed its
//     declared daily limit; estimates above 80% of the limit warn.
//   - spot-price-cap: the hourly spot bid must not exceed $0.75.
//   - open-ingress: no ingress rule may expose a port to 0.0.0.0/0 except
//     80 and 443.
//
// Policies evaluate an input document with up to three fields:
//
//	{
//	    "manifest":   { ... the stack manifest ... },
//	    "deployment": { ... the current deployment record, if any ... },
//	    "context":    {"operation": "deploy", "environment": "production", ...}
//	}
//
// A deny entry is either a bare string or an object with message, severity
// and resource keys; object entries can override the policy's default
// severity per violation.
//
// Custom policies are loaded from .rego or .json files:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//
//	result, err := eng.EvaluateManifest(ctx, manifest)
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.BlockingViolations() {
//	        fmt.Println(v.Message)
//	    }
//	    return fmt.Errorf("policy rejected the stack")
//	}
//
// For long-running processes, Loader.Watch reloads policy files on change:
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, cfg.Policy.Paths, func(ps []policy.Policy) error {
//	    return eng.ApplyPolicies(ctx, ps)
//	})
//
// Evaluation is side-effect free and runs policies in name order, so the
// same input always produces the same violation list. Whether a blocked
// result aborts the deployment or merely logs is the caller's decision,
// driven by the policy mode in the application configuration (enforcing
// or advisory).
package policy
