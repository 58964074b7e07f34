package config

func intp(v int) *int { return &v }

// StarterKernels returns the default kernel registry, used when config.yaml
// lists no kernels.
func StarterKernels() []KernelConfig {
	return []KernelConfig{
		{
			Name:               "message_bus",
			Tier:               "core-infra",
			Critical:           true,
			BootTimeoutSeconds: 10,
			Priority:           100,
		},
		{
			Name:               "immutable_log",
			Tier:               "core-infra",
			DependsOn:          []string{"message_bus"},
			Critical:           true,
			BootTimeoutSeconds: 10,
			Priority:           90,
		},
		{
			Name:               "worker_pool",
			Tier:               "execution",
			DependsOn:          []string{"message_bus"},
			BootTimeoutSeconds: 10,
			MaxRetries:         intp(3),
			Priority:           50,
		},
		{
			Name:               "maintenance",
			Tier:               "execution",
			DependsOn:          []string{"immutable_log", "worker_pool"},
			BootTimeoutSeconds: 10,
			Priority:           10,
		},
		{
			Name:               "self_healing",
			Tier:               "agentic",
			DependsOn:          []string{"message_bus", "immutable_log"},
			Critical:           true,
			BootTimeoutSeconds: 15,
			GraceWindowSeconds: 10,
			Priority:           80,
		},
		{
			Name:               "coding_agent",
			Tier:               "agentic",
			DependsOn:          []string{"message_bus", "immutable_log"},
			Critical:           true,
			BootTimeoutSeconds: 30,
			GraceWindowSeconds: 15,
			Priority:           70,
			ResourceIntensive:  true,
		},
		{
			Name:               "api_gateway",
			Tier:               "services",
			DependsOn:          []string{"worker_pool"},
			BootTimeoutSeconds: 10,
			Priority:           20,
			FeatureFlag:        "api_gateway",
		},
	}
}
