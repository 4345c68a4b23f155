package harness

// StepResult records what one step did.
type StepResult struct {
	Kind      string `json:"kind"` // "put", "delete" or "sync"
	Node      string `json:"node,omitempty"`
	Client    string `json:"client,omitempty"`
	Server    string `json:"server,omitempty"`
	Direction string `json:"direction,omitempty"`

	// RecordsTotal and Stats are the receiver's view of a sync.
	RecordsTotal int64       `json:"records_total,omitempty"`
	Stats        MergeCounts `json:"stats"`

	// ErrorCode is set when a sync failed with a coded error.
	ErrorCode string `json:"error_code,omitempty"`
}

// MergeCounts are the merge outcomes of the records a receiver dequeued.
type MergeCounts struct {
	New         int `json:"new"`
	FastForward int `json:"fast_forward"`
	AlreadyHave int `json:"already_have"`
	Conflict    int `json:"conflict"`
	Rejected    int `json:"rejected"`
}

// Get returns a count by its snapshot name.
func (m MergeCounts) Get(name string) (int, bool) {
	switch name {
	case "new":
		return m.New, true
	case "fast_forward":
		return m.FastForward, true
	case "already_have":
		return m.AlreadyHave, true
	case "conflict":
		return m.Conflict, true
	case "rejected":
		return m.Rejected, true
	}
	return 0, false
}

// DocumentState is one live document of a node at the end of a run.
type DocumentState struct {
	Partition string            `json:"partition"`
	SourceID  string            `json:"source_id"`
	Fields    map[string]string `json:"fields"`
	Conflicts int               `json:"conflicts"`
	// Version is "<node>:<counter>" of the last save.
	Version string `json:"version"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Nodes maps node names to their live documents.
	Nodes map[string][]DocumentState `json:"nodes"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
		Nodes:  make(map[string][]DocumentState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
