package build

import "time"

// State represents the pipeline state of a job as a string.
type State string

const (
	// StateReceived indicates that the request was admitted.
	StateReceived State = "received"
	// StateResolvingAttachments indicates that attachments are being decoded.
	StateResolvingAttachments State = "resolving_attachments"
	// StateGenerating indicates that source code is being generated.
	StateGenerating State = "generating"
	// StateCommitting indicates that files are being committed to the repository.
	StateCommitting State = "committing"
	// StateDeploying indicates that the static site is being published.
	StateDeploying State = "deploying"
	// StateNotifying indicates that the evaluation URL is being notified.
	StateNotifying State = "notifying"
	// StateCompleted indicates that the job has completed successfully.
	StateCompleted State = "completed"
	// StateFailed indicates that the job has failed.
	StateFailed State = "failed"
)

var stateRanks = map[State]int{
	StateReceived:             0,
	StateResolvingAttachments: 1,
	StateGenerating:           2,
	StateCommitting:           3,
	StateDeploying:            4,
	StateNotifying:            5,
	StateCompleted:            6,
	StateFailed:               6,
}

// StateFromString converts a string to a State type and checks if it is a known state.
// It returns the State and a boolean indicating whether the state is known.
func StateFromString(s string) (state State, known bool) {
	state = State(s)
	_, known = stateRanks[state]
	return state, known
}

// Rank returns the position of the state in the pipeline.
// Terminal states share the highest rank. Unknown states rank -1.
func (s State) Rank() int {
	r, ok := stateRanks[s]
	if !ok {
		return -1
	}
	return r
}

// IsTerminal reports whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrorDetail is the user-visible description of a failure.
type ErrorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// StatusRecord is the current state of a job as seen by polling clients.
type StatusRecord struct {
	Nonce         string       `json:"nonce"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	State         State        `json:"state"`
	UpdatedAt     time.Time    `json:"last_updated"`
	RepositoryURL string       `json:"repo_url,omitempty"`
	PagesURL      string       `json:"pages_url,omitempty"`
	CommitSHA     string       `json:"commit_sha,omitempty"`
	Error         *ErrorDetail `json:"error,omitempty"`
	Warning       string       `json:"warning,omitempty"`
}
