package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openworkflowdev/openworkflow-go/pkg/client"
	"github.com/openworkflowdev/openworkflow-go/pkg/engine"
	"github.com/openworkflowdev/openworkflow-go/pkg/step"
)

// registerWorkflows implements the declare+implement call a real deployment
// would make at startup for each workflow it ships. The "greeting"
// workflow here is the reference implementation of spec §8 scenario 1
// (happy path), kept as a working example rather than a no-op stub.
func registerWorkflows(c *client.Client) {
	greeting := c.DeclareWorkflow(client.DeclareConfig{Name: "greeting"})

	if _, err := c.DefineWorkflow(client.DeclareConfig{Name: "greeting"}, func(ctx context.Context, in engine.Input) (any, error) {
		var input struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(in.Input, &input); err != nil {
			return nil, err
		}

		message := in.Step.Run(
			step.Config{Name: "generate-greeting"},
			func(ctx context.Context) (any, error) {
				return map[string]any{"message": fmt.Sprintf("Hello, %s!", input.Name)}, nil
			},
		)
		return message, nil
	}); err != nil {
		panic(fmt.Sprintf("worker: register %q: %v", greeting.Name, err))
	}
}
