package models

// Action is an operation the user may trigger on a Run.
type Action string

const (
	ActionCancel   Action = "cancel"
	ActionDownload Action = "download"
	ActionRemove   Action = "remove"
	ActionRepeat   Action = "repeat"
	ActionBrowse   Action = "browse"
)

// ActionSet is the permitted set of actions for a status plus the one
// action a single-click affordance should trigger.
type ActionSet struct {
	Default Action
	All     []Action
}

// Allows reports whether a is in the set.
func (a ActionSet) Allows(action Action) bool {
	for _, x := range a.All {
		if x == action {
			return true
		}
	}
	return false
}

// ActionsFor returns the permitted actions for a status. Order matters: the
// UI renders them as listed.
func ActionsFor(s Status) ActionSet {
	switch {
	case s == StatusSubmitted || s == StatusPending || s == StatusRunning:
		return ActionSet{Default: ActionCancel, All: []Action{ActionCancel, ActionRepeat}}
	case s == StatusFinished:
		return ActionSet{Default: ActionDownload, All: []Action{ActionDownload, ActionRemove, ActionRepeat}}
	case s == StatusDownloaded:
		return ActionSet{Default: ActionBrowse, All: []Action{ActionBrowse, ActionDownload, ActionRemove, ActionRepeat}}
	case s == StatusDownloadFailed:
		return ActionSet{Default: ActionDownload, All: []Action{ActionDownload, ActionRemove, ActionRepeat}}
	case s == StatusSubmitFailed:
		// sbatch failed; the workspace may still hold error logs worth fetching
		return ActionSet{Default: ActionRemove, All: []Action{ActionRemove, ActionDownload, ActionRepeat}}
	case s.IsError():
		return ActionSet{Default: ActionRemove, All: []Action{ActionRemove, ActionRepeat}}
	case s == StatusCancelled:
		return ActionSet{Default: ActionRemove, All: []Action{ActionRemove, ActionRepeat}}
	default:
		return ActionSet{Default: ActionRepeat, All: []Action{ActionRepeat}}
	}
}
