// Package router implements the per-turn chat state machine: active
// goals take precedence, detected intents start goals, and everything
// else flows through the model with tool calling.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/crm"
	"github.com/harborcrm/harbor/internal/goals"
	"github.com/harborcrm/harbor/internal/intent"
	"github.com/harborcrm/harbor/internal/llm"
	"github.com/harborcrm/harbor/internal/observability"
	"github.com/harborcrm/harbor/internal/telemetry"
	"github.com/harborcrm/harbor/internal/tools"
	"github.com/harborcrm/harbor/pkg/models"
)

const defaultSystemPrompt = "You are a CRM assistant. Answer questions about leads, " +
	"accounts, and activities using the available tools. Be concise and accurate. " +
	"Never fabricate CRM data; if a tool fails, say so."

// TurnRequest is one conversation turn.
type TurnRequest struct {
	ConversationID string
	TenantID       string
	Messages       []models.Message
	Temperature    float64
}

// TurnResponse is the assistant's reply for a turn.
type TurnResponse struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	GoalStatus     string `json:"goal_status,omitempty"`
}

// Options wires a Router.
type Options struct {
	Goals      goals.Store
	Classifier *intent.Classifier
	Executor   *tools.Executor
	Provider   llm.Provider
	CRM        *crm.Client
	Minter     *auth.Minter
	Emitter    *telemetry.Emitter
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	GoalTTL        time.Duration
	ToolCallBudget int
	WindowMessages int
	SystemPrompt   string
}

// Router drives one turn at a time. Safe for concurrent use; all
// per-turn state lives on the stack or in the goal store.
type Router struct {
	goals      goals.Store
	classifier *intent.Classifier
	executor   *tools.Executor
	provider   llm.Provider
	crm        *crm.Client
	minter     *auth.Minter
	emitter    *telemetry.Emitter
	metrics    *observability.Metrics
	logger     *slog.Logger

	goalTTL        time.Duration
	toolCallBudget int
	windowMessages int
	systemPrompt   string
}

// New builds a router with defaults applied.
func New(opts Options) *Router {
	r := &Router{
		goals:          opts.Goals,
		classifier:     opts.Classifier,
		executor:       opts.Executor,
		provider:       opts.Provider,
		crm:            opts.CRM,
		minter:         opts.Minter,
		emitter:        opts.Emitter,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		goalTTL:        opts.GoalTTL,
		toolCallBudget: opts.ToolCallBudget,
		windowMessages: opts.WindowMessages,
		systemPrompt:   opts.SystemPrompt,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.goalTTL <= 0 {
		r.goalTTL = goals.DefaultTTL
	}
	if r.toolCallBudget <= 0 {
		r.toolCallBudget = 8
	}
	if r.systemPrompt == "" {
		r.systemPrompt = defaultSystemPrompt
	}
	return r
}

// HandleTurn runs one turn for the caller. Goal state is read before
// and written after; any unexpected failure leaves it untouched.
func (r *Router) HandleTurn(ctx context.Context, req *TurnRequest, caller auth.CallerIdentity) (_ *TurnResponse, err error) {
	tc := telemetry.NewRootContext()
	start := time.Now()

	ctx = observability.AddRunID(ctx, tc.RunID)
	ctx = observability.AddConversationID(ctx, req.ConversationID)
	ctx = observability.AddTenantID(ctx, req.TenantID)

	r.emitter.RunStarted(tc, req.TenantID, req.ConversationID)
	r.emitter.MessageReceived(tc, req.TenantID, req.ConversationID, models.RoleUser)

	defer func() {
		status := "success"
		errText := ""
		if err != nil {
			status = "failure"
			errText = apperr.SafeMessage(err)
		}
		r.emitter.RunFinished(tc, req.TenantID, status, time.Since(start), errText)
		if r.metrics != nil {
			r.metrics.TurnCounter.WithLabelValues(status).Inc()
			r.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		}
	}()

	userText := lastUserText(req.Messages)

	// A goal-store outage means no active goal; the turn degrades to
	// the stateless path.
	goal, goalErr := r.goals.GetActiveGoal(ctx, req.ConversationID)
	if goalErr != nil {
		r.logger.WarnContext(ctx, "goal store unavailable, continuing stateless", "error", goalErr)
		goal = nil
	}

	var reply string
	var goalStatus string
	if goal != nil {
		reply, goalStatus, err = r.handleGoalTurn(ctx, tc, req, goal, userText, caller)
	} else {
		reply, goalStatus, err = r.handleFreshTurn(ctx, tc, req, userText, caller)
	}
	if err != nil {
		return nil, err
	}

	r.emitter.MessageSent(tc, req.TenantID, req.ConversationID, models.RoleAssistant)
	return &TurnResponse{
		Reply:          reply,
		ConversationID: req.ConversationID,
		RunID:          tc.RunID,
		GoalStatus:     goalStatus,
	}, nil
}

// handleGoalTurn advances an active goal based on the user's response.
func (r *Router) handleGoalTurn(ctx context.Context, tc telemetry.Context, req *TurnRequest, goal *goals.Goal, userText string, caller auth.CallerIdentity) (string, string, error) {
	switch r.classifier.ClassifyResponse(userText) {
	case intent.ResponseConfirm:
		return r.confirmGoal(ctx, tc, req, goal, caller)

	case intent.ResponseCancel:
		if err := r.goals.ClearActiveGoal(ctx, req.ConversationID); err != nil {
			r.logger.WarnContext(ctx, "clear goal failed", "error", err)
		}
		r.emitter.TaskFailed(tc, req.TenantID, goal.ID, "cancelled")
		return "Okay, I've cancelled that. Anything else I can help with?", "", nil

	case intent.ResponseReschedule:
		return r.rescheduleGoal(ctx, req, goal, userText)

	case intent.ResponseProvideInfo:
		return r.fillGoalSlots(ctx, req, goal, userText, caller)

	default:
		return r.remindGoal(goal), goal.Status, nil
	}
}

// confirmGoal executes the goal's mapped tool and clears the goal on
// success. Execution failures keep the goal so the user can retry.
func (r *Router) confirmGoal(ctx context.Context, tc telemetry.Context, req *TurnRequest, goal *goals.Goal, caller auth.CallerIdentity) (string, string, error) {
	if missing := goal.MissingSlots(); len(missing) > 0 {
		return r.promptForSlots(goal, missing), goal.Status, nil
	}

	// Lead resolution at capture time is best-effort, so a confirmed
	// goal can still carry only a free-text name. The mapped tools need
	// a concrete lead id; retry the lookup and re-ask for the lead
	// rather than sending arguments the tool will reject.
	if goalNeedsLead(goal.Type) && goal.Extracted.LeadID == "" {
		r.resolveLead(ctx, goal, caller)
		if goal.Extracted.LeadID == "" {
			name := goal.Extracted.Lead
			goal.Extracted.Lead = ""
			goal.Status = goals.StatusAwaitingInput
			goal.ConfirmationMessage = ""
			goal.UpdatedAt = time.Now()
			if err := r.goals.SetActiveGoal(ctx, req.ConversationID, goal); err != nil {
				r.logger.WarnContext(ctx, "persist goal failed", "error", err)
			}
			return fmt.Sprintf("I couldn't find %q in the CRM. Who should the %s be with?", name, goalLabel(goal.Type)), goal.Status, nil
		}
	}

	call := models.ToolCall{
		Name: goalTool(goal.Type),
		Args: goalToolArgs(goal),
	}
	result, err := r.executor.Execute(ctx, tc, call, caller)
	if err != nil {
		r.emitter.TaskFailed(tc, req.TenantID, goal.ID, apperr.SafeMessage(err))
		return fmt.Sprintf("I couldn't complete that: %s The request is still pending; say \"yes\" to retry or \"cancel\" to drop it.", apperr.SafeMessage(err)), goal.Status, nil
	}
	_ = result

	if err := r.goals.ClearActiveGoal(ctx, req.ConversationID); err != nil {
		r.logger.WarnContext(ctx, "clear goal after success failed", "error", err)
	}
	r.emitter.TaskCompleted(tc, req.TenantID, goal.ID)
	return goalSuccessReply(goal), "", nil
}

// rescheduleGoal moves the goal's time slot. Without an explicit new
// time, the next slot one hour later is proposed.
func (r *Router) rescheduleGoal(ctx context.Context, req *TurnRequest, goal *goals.Goal, userText string) (string, string, error) {
	if dt := r.classifier.ExtractDateTime(userText); dt != nil {
		goal.Extracted.DateTime = dt
		goal.Status = goals.StatusPendingConfirmation
		goal.ConfirmationMessage = confirmationMessage(goal)
		goal.UpdatedAt = time.Now()
		if err := r.goals.SetActiveGoal(ctx, req.ConversationID, goal); err != nil {
			r.logger.WarnContext(ctx, "persist rescheduled goal failed", "error", err)
		}
		return goal.ConfirmationMessage, goal.Status, nil
	}

	if goal.Extracted.DateTime == nil {
		return "When would you like it instead? Give me a date and time.", goal.Status, nil
	}

	// Adding an hour via the time package rolls the date over safely.
	next := goal.Extracted.DateTime.Timestamp.Add(time.Hour)
	proposed := goals.DateTime{
		Date:      next.Format("2006-01-02"),
		Time:      next.Format("15:04"),
		Timestamp: next,
	}
	goal.Extracted.DateTime = &proposed
	goal.Status = goals.StatusPendingConfirmation
	goal.ConfirmationMessage = confirmationMessage(goal)
	goal.UpdatedAt = time.Now()
	if err := r.goals.SetActiveGoal(ctx, req.ConversationID, goal); err != nil {
		r.logger.WarnContext(ctx, "persist rescheduled goal failed", "error", err)
	}
	return fmt.Sprintf("How about %s at %s instead? %s", proposed.Date, proposed.Time, goal.ConfirmationMessage), goal.Status, nil
}

// fillGoalSlots merges newly provided details into the goal.
func (r *Router) fillGoalSlots(ctx context.Context, req *TurnRequest, goal *goals.Goal, userText string, caller auth.CallerIdentity) (string, string, error) {
	if goal.Extracted.Lead == "" {
		if name := r.classifier.ExtractLeadName(userText); name != "" {
			goal.Extracted.Lead = name
			r.resolveLead(ctx, goal, caller)
		}
	}
	if goal.Extracted.DateTime == nil {
		if dt := r.classifier.ExtractDateTime(userText); dt != nil {
			goal.Extracted.DateTime = dt
		}
	}
	goal.Extracted.RawText += "\n" + userText
	goal.UpdatedAt = time.Now()

	missing := goal.MissingSlots()
	if len(missing) == 0 {
		goal.Status = goals.StatusPendingConfirmation
		goal.ConfirmationMessage = confirmationMessage(goal)
	} else {
		goal.Status = goals.StatusAwaitingInput
	}
	if err := r.goals.SetActiveGoal(ctx, req.ConversationID, goal); err != nil {
		r.logger.WarnContext(ctx, "persist goal failed", "error", err)
	}

	if len(missing) == 0 {
		return goal.ConfirmationMessage, goal.Status, nil
	}
	return r.promptForSlots(goal, missing), goal.Status, nil
}

// handleFreshTurn runs a turn with no active goal: detect a new intent
// or fall through to the model.
func (r *Router) handleFreshTurn(ctx context.Context, tc telemetry.Context, req *TurnRequest, userText string, caller auth.CallerIdentity) (string, string, error) {
	detection := r.classifier.DetectIntent(userText)
	if !detection.Detected {
		reply, err := r.statelessTurn(ctx, tc, req, caller)
		return reply, "", err
	}

	goal := goals.New(detection.GoalType, req.ConversationID, req.TenantID, r.goalTTL)
	goal.Extracted.RawText = userText
	if name := r.classifier.ExtractLeadName(userText); name != "" {
		goal.Extracted.Lead = name
		r.resolveLead(ctx, goal, caller)
	}
	if dt := r.classifier.ExtractDateTime(userText); dt != nil {
		goal.Extracted.DateTime = dt
	}

	missing := goal.MissingSlots()
	if len(missing) == 0 {
		goal.Status = goals.StatusPendingConfirmation
		goal.ConfirmationMessage = confirmationMessage(goal)
	}
	if err := r.goals.SetActiveGoal(ctx, req.ConversationID, goal); err != nil {
		r.logger.WarnContext(ctx, "persist new goal failed", "error", err)
	}
	r.emitter.TaskCreated(tc, req.TenantID, goal.ID, goal.Type)

	if len(missing) == 0 {
		return goal.ConfirmationMessage, goal.Status, nil
	}
	return r.promptForSlots(goal, missing), goal.Status, nil
}

// resolveLead looks the extracted name up in the CRM so the goal
// carries a concrete lead id. Lookup failures leave the name as-is.
func (r *Router) resolveLead(ctx context.Context, goal *goals.Goal, caller auth.CallerIdentity) {
	if r.crm == nil || r.minter == nil {
		return
	}
	token, err := r.minter.Mint(caller)
	if err != nil {
		r.logger.WarnContext(ctx, "mint token for lead lookup failed", "error", err)
		return
	}
	lead, err := r.crm.FindLeadByName(ctx, token, goal.Extracted.Lead)
	if err != nil {
		r.logger.WarnContext(ctx, "lead lookup failed", "lead", goal.Extracted.Lead, "error", err)
		return
	}
	if lead != nil {
		goal.Extracted.LeadID = lead.ID
		goal.Extracted.Lead = lead.Name
	}
}

func (r *Router) remindGoal(goal *goals.Goal) string {
	if goal.Status == goals.StatusPendingConfirmation {
		return fmt.Sprintf("Just checking: %s Reply \"yes\" to proceed, \"no\" to cancel, or give me a different time.", goal.ConfirmationMessage)
	}
	return fmt.Sprintf("We were setting up a %s. %s", goalLabel(goal.Type), r.promptForSlots(goal, goal.MissingSlots()))
}

func (r *Router) promptForSlots(goal *goals.Goal, missing []string) string {
	needsLead := false
	needsTime := false
	for _, slot := range missing {
		switch slot {
		case "lead":
			needsLead = true
		case "date_time":
			needsTime = true
		}
	}
	switch {
	case needsLead && needsTime:
		return fmt.Sprintf("Who is the %s with, and when?", goalLabel(goal.Type))
	case needsLead:
		return fmt.Sprintf("Who is the %s with?", goalLabel(goal.Type))
	case needsTime:
		return "When should it be? Give me a date and time."
	default:
		return "Could you clarify what you'd like me to do?"
	}
}

func goalTool(goalType string) string {
	switch goalType {
	case goals.TypeScheduleCall:
		return "schedule_call"
	case goals.TypeBookMeeting:
		return "book_meeting"
	case goals.TypeSendEmail:
		return "send_email"
	case goals.TypeCreateReminder:
		return "create_reminder"
	default:
		return goalType
	}
}

// goalNeedsLead reports whether the goal's mapped tool requires a
// resolved CRM lead id.
func goalNeedsLead(goalType string) bool {
	switch goalType {
	case goals.TypeScheduleCall, goals.TypeBookMeeting, goals.TypeSendEmail:
		return true
	}
	return false
}

func goalToolArgs(goal *goals.Goal) json.RawMessage {
	args := map[string]any{}
	switch goal.Type {
	case goals.TypeScheduleCall, goals.TypeBookMeeting:
		args["lead_id"] = goal.Extracted.LeadID
		args["lead_name"] = goal.Extracted.Lead
		if dt := goal.Extracted.DateTime; dt != nil {
			args["date"] = dt.Date
			args["time"] = dt.Time
		}
	case goals.TypeSendEmail:
		args["lead_id"] = goal.Extracted.LeadID
		args["subject"] = "Follow-up"
		args["body"] = goal.Extracted.RawText
	case goals.TypeCreateReminder:
		args["note"] = goal.Extracted.RawText
		if dt := goal.Extracted.DateTime; dt != nil {
			args["remind_at"] = dt.Date + "T" + dt.Time + ":00"
		}
	}
	encoded, _ := json.Marshal(args)
	return encoded
}

func confirmationMessage(goal *goals.Goal) string {
	dt := goal.Extracted.DateTime
	switch goal.Type {
	case goals.TypeScheduleCall:
		return fmt.Sprintf("I'll schedule a call with %s on %s at %s. Should I proceed?", goal.Extracted.Lead, dt.Date, dt.Time)
	case goals.TypeBookMeeting:
		return fmt.Sprintf("I'll book a meeting with %s on %s at %s. Should I proceed?", goal.Extracted.Lead, dt.Date, dt.Time)
	case goals.TypeSendEmail:
		return fmt.Sprintf("I'll send an email to %s. Should I proceed?", goal.Extracted.Lead)
	case goals.TypeCreateReminder:
		return fmt.Sprintf("I'll create a reminder on %s at %s. Should I proceed?", dt.Date, dt.Time)
	default:
		return "Should I proceed?"
	}
}

func goalSuccessReply(goal *goals.Goal) string {
	dt := goal.Extracted.DateTime
	switch goal.Type {
	case goals.TypeScheduleCall:
		return fmt.Sprintf("Done. I've scheduled a call with %s on %s at %s.", goal.Extracted.Lead, dt.Date, dt.Time)
	case goals.TypeBookMeeting:
		return fmt.Sprintf("Done. I've booked a meeting with %s on %s at %s.", goal.Extracted.Lead, dt.Date, dt.Time)
	case goals.TypeSendEmail:
		return fmt.Sprintf("Done. I've sent the email to %s.", goal.Extracted.Lead)
	case goals.TypeCreateReminder:
		return fmt.Sprintf("Done. I'll remind you on %s at %s.", dt.Date, dt.Time)
	default:
		return "Done."
	}
}

func goalLabel(goalType string) string {
	switch goalType {
	case goals.TypeScheduleCall:
		return "call"
	case goals.TypeBookMeeting:
		return "meeting"
	case goals.TypeSendEmail:
		return "email"
	case goals.TypeCreateReminder:
		return "reminder"
	default:
		return "task"
	}
}

func lastUserText(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
