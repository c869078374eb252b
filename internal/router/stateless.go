package router

import (
	"context"
	"fmt"
	"time"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/llm"
	"github.com/harborcrm/harbor/internal/telemetry"
	"github.com/harborcrm/harbor/pkg/models"
)

// statelessTurn runs the model loop: advertise tool schemas, execute
// requested tools sequentially, feed results back, repeat until a
// terminal assistant message or the tool-call budget runs out.
func (r *Router) statelessTurn(ctx context.Context, tc telemetry.Context, req *TurnRequest, caller auth.CallerIdentity) (string, error) {
	if userText := lastUserText(req.Messages); userText == "" {
		return "I didn't catch that. What would you like to do?", nil
	}

	window := append([]models.Message(nil), req.Messages...)
	schemas := r.executor.Registry().Schemas()
	budget := r.toolCallBudget

	for {
		resp, err := r.chat(ctx, window, schemas, req.Temperature)
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			if resp.AssistantMessage == "" {
				return "I'm not sure how to help with that. Could you rephrase?", nil
			}
			return resp.AssistantMessage, nil
		}

		window = append(window, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.AssistantMessage,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if budget <= 0 {
				return r.budgetExhaustedReply(resp.AssistantMessage), nil
			}
			budget--

			window = append(window, r.runToolCall(ctx, tc, call, caller))
		}
	}
}

func (r *Router) chat(ctx context.Context, window []models.Message, schemas []llm.ToolSchema, temperature float64) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := r.provider.Chat(ctx, &llm.ChatRequest{
		System:      r.systemPrompt,
		Messages:    llm.TrimWindowN(window, r.windowMessages),
		Tools:       schemas,
		Temperature: temperature,
	})
	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.metrics.LLMRequestCounter.WithLabelValues(r.provider.Name(), "", status).Inc()
		r.metrics.LLMRequestDuration.WithLabelValues(r.provider.Name(), "").Observe(time.Since(start).Seconds())
	}
	return resp, err
}

// runToolCall executes one model-requested tool and renders the result
// as a tool message. Execution errors become error results so the
// conversation continues instead of the run failing.
func (r *Router) runToolCall(ctx context.Context, tc telemetry.Context, call models.ToolCall, caller auth.CallerIdentity) models.Message {
	result, err := r.executor.Execute(ctx, tc, call, caller)
	if err != nil {
		return models.Message{
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool %s failed: %s", call.Name, apperr.SafeMessage(err)),
		}
	}
	return models.Message{
		Role:       models.RoleTool,
		ToolCallID: result.ToolCallID,
		Content:    result.Content,
		ResultRef:  result.ResultRef,
	}
}

func (r *Router) budgetExhaustedReply(lastAssistant string) string {
	if lastAssistant != "" {
		return lastAssistant
	}
	return "I had to stop before finishing; that request needed too many lookups. Could you narrow it down?"
}
