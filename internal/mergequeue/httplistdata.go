package mergequeue

import "sort"

// branchStatusView is the per-target-branch data rendered by the HTTP
// status page.
type branchStatusView struct {
	Repository string
	Branch     string
	Status     string
	Healthy    bool
	Queue      []queueEntryView
	Integrating *integratingView
}

type queueEntryView struct {
	Position int
	Number   int
	Author   string
	Title    string
	TopPriority bool
}

type integratingView struct {
	Number int
	Author string
	Title  string
	Status string
	Error  string
}

// httpListData gathers the Dispatcher's current state into the view
// consumed by the status page template.
func (d *Dispatcher) httpListData() []branchStatusView {
	states := d.State()
	health := d.HealthStatus()

	result := make([]branchStatusView, 0, len(states))

	for branch, s := range states {
		view := branchStatusView{
			Repository: branch.String(),
			Branch:     branch.Branch,
			Status:     s.Status.String(),
			Healthy:    health[branch],
		}

		for i, pr := range s.Queue {
			view.Queue = append(view.Queue, queueEntryView{
				Position:    i,
				Number:      pr.Number,
				Author:      pr.Author,
				Title:       pr.Title,
				TopPriority: pr.HasAnyLabel(d.cfg.TopPriorityLabels),
			})
		}

		if s.Metadata != nil {
			view.Integrating = &integratingView{
				Number: s.Metadata.Number,
				Author: s.Metadata.Author,
				Title:  s.Metadata.Title,
				Status: s.Status.String(),
				Error:  string(s.Error),
			}
		}

		result = append(result, view)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Repository+"@"+result[i].Branch < result[j].Repository+"@"+result[j].Branch
	})

	return result
}
