// ABOUTME: Role-based RPC operation handlers for the agent process.
// ABOUTME: Thin handlers that exercise the substrate; reasoning lives elsewhere.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/card"
	"github.com/casewire/casewire/internal/convstore"
	"github.com/casewire/casewire/internal/fault"
	"github.com/casewire/casewire/internal/rpc"
	"github.com/casewire/casewire/internal/task"
)

// handler implements rpc.Handler for whichever role this process runs.
type handler struct {
	svc *Service
}

func newHandler(svc *Service) *handler {
	return &handler{svc: svc}
}

// roleOperations maps each role to the operations it exposes.
var roleOperations = map[string][]card.Operation{
	"coordinator": {
		{Name: "delegate", Description: "open a case and create its task", Streaming: false},
		{Name: "status", Description: "report a task and its conversation", Streaming: false},
		{Name: "list-tasks", Description: "snapshot all known tasks", Streaming: false},
	},
	"negotiation": {
		{Name: "negotiate", Description: "run negotiation rounds for a case", Streaming: true},
	},
	"context": {
		{Name: "lookup-policy", Description: "resolve the policy for an issue type", Streaming: false},
	},
}

func (h *handler) Card() *card.Card {
	cfg := h.svc.cfg
	return &card.Card{
		AgentID:    cfg.Agent.ID,
		Name:       "casewire " + cfg.Agent.Role,
		Role:       cfg.Agent.Role,
		URL:        "http://" + cfg.Server.Addr,
		Operations: roleOperations[cfg.Agent.Role],
	}
}

// exposes reports whether this process's role serves the operation.
func (h *handler) exposes(op string) bool {
	for _, o := range roleOperations[h.svc.cfg.Agent.Role] {
		if o.Name == op {
			return true
		}
	}
	return false
}

func (h *handler) HandleCall(ctx context.Context, caller auth.Identity, req *rpc.Request) (*rpc.Response, error) {
	if !h.exposes(req.Operation) {
		return nil, fault.New(fault.Business, h.svc.cfg.Agent.ID,
			fmt.Sprintf("operation %q not exposed by role %s", req.Operation, h.svc.cfg.Agent.Role))
	}

	switch req.Operation {
	case "delegate":
		return h.delegate(ctx, caller, req)
	case "status":
		return h.status(ctx, req)
	case "list-tasks":
		return h.listTasks()
	case "lookup-policy":
		return h.lookupPolicy(req)
	default:
		return nil, fault.New(fault.Business, h.svc.cfg.Agent.ID,
			fmt.Sprintf("operation %q not exposed by role %s", req.Operation, h.svc.cfg.Agent.Role))
	}
}

type delegateRequest struct {
	CustomerID string `json:"customer_id"`
	IssueType  string `json:"issue_type"`
	Priority   int    `json:"priority"`
	Summary    string `json:"summary,omitempty"`
}

type delegateResponse struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
	Checksum       string `json:"checksum"`
}

// delegate opens a case end to end: durable conversation, task record,
// and an enqueued acknowledgment for the customer.
func (h *handler) delegate(ctx context.Context, caller auth.Identity, req *rpc.Request) (*rpc.Response, error) {
	var dr delegateRequest
	if err := json.Unmarshal(req.Payload, &dr); err != nil {
		return nil, fault.Wrap(fault.Business, "", err, "decoding delegate payload")
	}
	if dr.CustomerID == "" {
		return nil, fault.New(fault.Business, "", "customer_id required")
	}

	conv, err := h.svc.store.Create(ctx, dr.CustomerID, dr.IssueType)
	if err != nil {
		return nil, err
	}

	t, err := h.svc.tasks.CreateTask(dr.CustomerID, conv.ID, dr.Priority)
	if err != nil {
		return nil, err
	}

	checksum := conv.Checksum
	if dr.Summary != "" {
		checksum, err = h.svc.store.Append(ctx, conv.ID, &convstore.Mutation{
			AddMessage: &convstore.Message{
				Role:    "user",
				Content: dr.Summary,
				Metadata: map[string]string{
					"delegated_by": caller.AgentID,
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	ack, _ := json.Marshal(map[string]string{
		"type":            "case-opened",
		"conversation_id": conv.ID,
		"issue_type":      dr.IssueType,
	})
	if _, err := h.svc.queue.Enqueue(ctx, conv.ID, ack); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(delegateResponse{
		TaskID:         t.ID,
		ConversationID: conv.ID,
		Checksum:       checksum,
	})
	if err != nil {
		return nil, err
	}
	return &rpc.Response{Payload: payload}, nil
}

type statusRequest struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Task         task.Task       `json:"task"`
	Phase        convstore.Phase `json:"phase"`
	Status       string          `json:"status"`
	MessageCount int             `json:"message_count"`
	Checksum     string          `json:"checksum"`
}

func (h *handler) status(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var sr statusRequest
	if err := json.Unmarshal(req.Payload, &sr); err != nil {
		return nil, fault.Wrap(fault.Business, "", err, "decoding status payload")
	}

	t, err := h.svc.tasks.GetTask(sr.TaskID)
	if err != nil {
		return nil, fault.Wrap(fault.Business, sr.TaskID, err, "looking up task")
	}

	conv, err := h.svc.store.Read(ctx, t.ConversationID)
	if err != nil {
		return nil, err
	}

	// Any status poll counts as activity on the case
	if err := h.svc.tasks.Touch(t.ID); err != nil {
		h.svc.logger.Warn("touching task", "task_id", t.ID, "error", err)
	}

	payload, err := json.Marshal(statusResponse{
		Task:         t,
		Phase:        conv.Phase,
		Status:       conv.Status,
		MessageCount: len(conv.Messages),
		Checksum:     conv.Checksum,
	})
	if err != nil {
		return nil, err
	}
	return &rpc.Response{Payload: payload}, nil
}

func (h *handler) listTasks() (*rpc.Response, error) {
	tasks := h.svc.tasks.List()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })

	payload, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return &rpc.Response{Payload: payload}, nil
}

// issuePolicies is the static policy table the context agent serves.
// Real policy content is external; this table keeps lookups answerable.
var issuePolicies = map[string]map[string]any{
	"refund_request": {
		"max_refund":        250.0,
		"approval_required": false,
	},
	"late_delivery": {
		"credit_per_day":    5.0,
		"approval_required": false,
	},
	"billing_dispute": {
		"max_adjustment":    100.0,
		"approval_required": true,
	},
}

type policyRequest struct {
	IssueType string `json:"issue_type"`
}

func (h *handler) lookupPolicy(req *rpc.Request) (*rpc.Response, error) {
	var pr policyRequest
	if err := json.Unmarshal(req.Payload, &pr); err != nil {
		return nil, fault.Wrap(fault.Business, "", err, "decoding policy payload")
	}

	policy, ok := issuePolicies[pr.IssueType]
	if !ok {
		return nil, fault.New(fault.Business, pr.IssueType, "no policy for issue type")
	}

	payload, err := json.Marshal(policy)
	if err != nil {
		return nil, err
	}
	return &rpc.Response{Payload: payload}, nil
}

type negotiateRequest struct {
	ConversationID string `json:"conversation_id"`
	Rounds         int    `json:"rounds"`
}

// HandleStream serves the negotiation agent's streaming operation:
// progress per round, an assistant message per round appended to the
// durable conversation, then a terminal result.
func (h *handler) HandleStream(ctx context.Context, caller auth.Identity, req *rpc.Request, send func(*rpc.Event) error) error {
	if req.Operation != "negotiate" || !h.exposes("negotiate") {
		return fault.New(fault.Business, h.svc.cfg.Agent.ID,
			fmt.Sprintf("operation %q not exposed by role %s", req.Operation, h.svc.cfg.Agent.Role))
	}

	var nr negotiateRequest
	if err := json.Unmarshal(req.Payload, &nr); err != nil {
		return fault.Wrap(fault.Business, "", err, "decoding negotiate payload")
	}
	if nr.ConversationID == "" {
		return fault.New(fault.Business, "", "conversation_id required")
	}
	if nr.Rounds <= 0 {
		nr.Rounds = 1
	}

	if _, err := h.svc.store.Read(ctx, nr.ConversationID); err != nil {
		return err
	}

	phase := convstore.PhaseNegotiation
	if _, err := h.svc.store.Append(ctx, nr.ConversationID, &convstore.Mutation{SetPhase: &phase}); err != nil {
		return err
	}

	for round := 1; round <= nr.Rounds; round++ {
		if err := send(&rpc.Event{
			Kind:   rpc.EventProgress,
			TaskID: nr.ConversationID,
			State:  "negotiating",
			Detail: fmt.Sprintf("round %d of %d", round, nr.Rounds),
		}); err != nil {
			return err
		}

		offer := fmt.Sprintf("offer for round %d", round)
		if _, err := h.svc.store.Append(ctx, nr.ConversationID, &convstore.Mutation{
			AddMessage: &convstore.Message{Role: "assistant", Content: offer},
		}); err != nil {
			return err
		}
		if _, err := h.svc.store.Append(ctx, nr.ConversationID, &convstore.Mutation{
			SetScratch: &convstore.ScratchUpdate{
				AgentID: h.svc.cfg.Agent.ID,
				Key:     "round",
				Value:   fmt.Sprintf("%d", round),
			},
		}); err != nil {
			return err
		}

		if err := send(&rpc.Event{Kind: rpc.EventMessage, Text: offer}); err != nil {
			return err
		}
	}

	phase = convstore.PhaseResolution
	if _, err := h.svc.store.Append(ctx, nr.ConversationID, &convstore.Mutation{SetPhase: &phase}); err != nil {
		return err
	}

	return send(&rpc.Event{
		Kind:    rpc.EventResult,
		Text:    "negotiation concluded",
		Outcome: "resolved",
	})
}
