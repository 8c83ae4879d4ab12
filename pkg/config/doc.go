// Package config provides runtime configuration loading and CUE stack
// manifest parsing for stackkit.
//
// # Overview
//
// Two kinds of configuration live here. AppConfig is the runtime
// configuration of the engine itself: state directory, sync backend,
// retry policy, rollback monitor, health prober, policy gate and server
// settings. A StackManifest describes one deployable stack: its region,
// instance specification, services, ingress rules and cost limits.
//
// # Runtime configuration
//
// AppConfig is layered from three sources, later sources winning:
//
//   - A YAML file (stackkit.yaml by default).
//   - A .env file in the working directory, loaded via godotenv.
//     Variables already present in the process environment are never
//     overridden by it.
//   - Process environment variables (SYNC_INTERVAL, SYNC_RETRY_ATTEMPTS,
//     SYNC_RETRY_DELAY, SYNC_MODE, SYNC_BACKEND, AWS_REGION and
//     friends).
//
// The merged result is checked with validator struct tags plus the
// cross-field rules tags cannot express (a backend selected by name must
// have its endpoint configured).
//
//	cfg, err := config.Load("stackkit.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Stack manifests
//
// Manifests are written in CUE and validated against the built-in #Stack
// schema, which also fills in defaults (region us-east-1, one instance,
// 1800 second timeout):
//
//	stack: {
//	    name: "ai-starter-kit"
//	    environment: "production"
//	    instance: {
//	        type: "g4dn.xlarge"
//	        spot_price: 0.75
//	    }
//	    tags: {
//	        Project: "AI-Starter-Kit"
//	        Environment: "production"
//	    }
//	    services: [
//	        {name: "postgres", port: 5432},
//	        {name: "n8n", port: 5678, health_path: "/healthz"},
//	        {name: "qdrant", port: 6333, health_path: "/healthz"},
//	        {name: "ollama", port: 11434},
//	    ]
//	    cost: {
//	        daily_limit: 50.0
//	        estimated_daily: 18.0
//	    }
//	}
//
// Parsing reports every problem with its file position:
//
//	Issue{
//	    File: "stack.cue",
//	    Line: 4,
//	    Column: 9,
//	    Message: "instance.type: invalid value ...",
//	}
//
// # Schema validation
//
// SchemaRegistry holds the built-in schemas (stack, instance, service,
// ingress, cost) and accepts custom registrations for domain-specific
// validation.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package config
