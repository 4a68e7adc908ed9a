package domain

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
)

// StatusFlow is the fixed order every task moves through.
var StatusFlow = [...]TaskStatus{TaskTodo, TaskInProgress, TaskInReview, TaskDone}

// FlowIndex returns the position of s in StatusFlow, or -1.
func FlowIndex(s TaskStatus) int {
	for i, v := range StatusFlow {
		if v == s {
			return i
		}
	}
	return -1
}

func (s TaskStatus) Valid() bool { return FlowIndex(s) >= 0 }

// Next returns the status one step forward in the flow. ok is false for done
// and for unknown statuses.
func (s TaskStatus) Next() (next TaskStatus, ok bool) {
	i := FlowIndex(s)
	if i < 0 || i+1 >= len(StatusFlow) {
		return "", false
	}
	return StatusFlow[i+1], true
}
