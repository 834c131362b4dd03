package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
)

var errNoOrchestrator = errors.New("this tool is not available in the current run")

type delegateInput struct {
	Tasks []dispatch.DelegateTask `json:"tasks" validate:"required,min=1,max=4,dive" jsonschema:"description=Independent tasks to hand to specialists in parallel"`
}

func delegateTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        DelegateSpecialist,
			Description: "Hand independent pieces of the change to specialists that work in parallel. Each task gets its own copy of the files; results are merged back.",
			Parameters:  dispatch.SchemaFor[delegateInput](),
		},
		Category: dispatch.CategoryOrchestration,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[delegateInput](args)
			if err != nil {
				return nil, err
			}
			if env.Orchestrator == nil {
				return nil, errNoOrchestrator
			}
			out, err := env.Orchestrator.Delegate(ctx, in.Tasks)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

type reviewInput struct {
	Focus string `json:"focus,omitempty" jsonschema:"description=What the review should pay attention to"`
}

func reviewTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        RunReview,
			Description: "Ask a reviewer to check the accumulated changes before finishing.",
			Parameters:  dispatch.SchemaFor[reviewInput](),
		},
		Category: dispatch.CategoryOrchestration,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[reviewInput](args)
			if err != nil {
				return nil, err
			}
			if env.Orchestrator == nil {
				return nil, errNoOrchestrator
			}
			out, err := env.Orchestrator.Review(ctx, in.Focus)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

type clarifyInput struct {
	Question string `json:"question" validate:"required" jsonschema:"description=The question for the user"`
}

func clarifyTool() dispatch.Tool {
	return dispatch.Tool{
		Definition: unifiedllm.ToolDefinition{
			Name:        AskClarification,
			Description: "Pause and ask the user a question when the request is ambiguous or the target cannot be found. No further tools run until the user answers.",
			Parameters:  dispatch.SchemaFor[clarifyInput](),
		},
		Category: dispatch.CategoryOrchestration,
		Execute: func(ctx context.Context, env dispatch.Env, args json.RawMessage) (dispatch.Outcome, error) {
			in, err := dispatch.Decode[clarifyInput](args)
			if err != nil {
				return nil, err
			}
			if env.Orchestrator == nil {
				return dispatch.OrchestrationOutcome{
					Kind:     dispatch.KindClarification,
					Summary:  "Question sent to the user.",
					Question: in.Question,
				}, nil
			}
			out, err := env.Orchestrator.Clarify(ctx, in.Question)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}
