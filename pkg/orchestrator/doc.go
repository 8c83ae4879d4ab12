// Package orchestrator drives stack deployments phase by phase. It owns
// the deployment record for a stack while the deployment runs: it gates
// manifests through policy, calls the provisioning collaborator for each
// phase, records provisioned resources in the registry, advances phase
// checkpoints, and escalates classified failures to the rollback engine.
package orchestrator
