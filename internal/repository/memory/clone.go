package memory

import (
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// The clone functions copy every field that shares memory, so records
// handed in or out of a Store never alias the stored ones.

func cloneRule(r *repository.WorkflowRule) *repository.WorkflowRule {
	cp := *r
	cp.Conditions = cloneData(r.Conditions)
	cp.AutoApproveBelow = clonePtr(r.AutoApproveBelow)
	if r.ApprovalMatrix != nil {
		cp.ApprovalMatrix = make([]repository.ApprovalLevel, len(r.ApprovalMatrix))
		for i, level := range r.ApprovalMatrix {
			cp.ApprovalMatrix[i] = repository.ApprovalLevel{
				Approvers: append([]string(nil), level.Approvers...),
				Required:  level.Required,
			}
		}
	}
	return &cp
}

func cloneWorkflow(w *repository.Workflow) *repository.Workflow {
	cp := *w
	cp.Data = cloneData(w.Data)
	cp.DueDate = clonePtr(w.DueDate)
	cp.CompletedAt = clonePtr(w.CompletedAt)
	return &cp
}

func cloneApproval(a *repository.WorkflowApproval) *repository.WorkflowApproval {
	cp := *a
	cp.Comments = clonePtr(a.Comments)
	cp.ApprovedAt = clonePtr(a.ApprovedAt)
	cp.DelegatedTo = clonePtr(a.DelegatedTo)
	cp.DelegatedAt = clonePtr(a.DelegatedAt)
	return &cp
}

func cloneNotification(n *repository.WorkflowNotification) *repository.WorkflowNotification {
	cp := *n
	cp.ReadAt = clonePtr(n.ReadAt)
	cp.ActionURL = clonePtr(n.ActionURL)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneData deep-copies JSON-shaped data: nested objects and arrays are
// copied, scalars are shared.
func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneData(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}
