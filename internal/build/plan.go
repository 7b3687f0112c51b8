package build

// Plan is how a job publishes its generated files.
// It is either *CreatePlan or *UpdatePlan.
type Plan interface {
	plan()
	Repository() string
}

// CreatePlan publishes to a new repository.
type CreatePlan struct {
	RepositoryName string // required
	Description    string
}

func (*CreatePlan) plan() {}

// Repository implements Plan.
func (p *CreatePlan) Repository() string { return p.RepositoryName }

// UpdatePlan publishes to the repository of a prior round.
type UpdatePlan struct {
	RepositoryName string          // required
	RepositoryURL  string          // required
	Prior          *ResponseRecord // required
	PriorRequest   *RequestRecord  // nil when the prior request wasn't recorded
}

func (*UpdatePlan) plan() {}

// Repository implements Plan.
func (p *UpdatePlan) Repository() string { return p.RepositoryName }
