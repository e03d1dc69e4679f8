package scenario

// Request is the tool call under test.
type Request struct {
	Tool   string         `yaml:"tool"`
	Params map[string]any `yaml:"params,omitempty"`
	// SQL is shorthand for params.sql on custom_query.
	SQL string `yaml:"sql,omitempty"`
}

// Case is one test case within a scenario.
type Case struct {
	// Subject defaults to a generated name when Role is set.
	Subject string `yaml:"subject,omitempty"`
	// Role assigned to Subject before evaluation. Empty leaves it unassigned.
	Role string `yaml:"role,omitempty"`
	// Policy overrides the scenario policy for this case.
	Policy  string  `yaml:"policy,omitempty"`
	Request Request `yaml:"request"`
	// Expect is allow, deny or allow_monitor.
	Expect string `yaml:"expect"`
	// Kinds must all appear among the violations when set.
	Kinds []string `yaml:"kinds,omitempty"`
	Note  string   `yaml:"note,omitempty"`
}

// Scenario is a named collection of admission test cases.
type Scenario struct {
	Name   string `yaml:"name"`
	Policy string `yaml:"policy,omitempty"`
	// Mode is enforce (default) or monitor.
	Mode  string `yaml:"mode,omitempty"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int      `json:"index"`
	Passed   bool     `json:"passed"`
	Subject  string   `json:"subject"`
	Role     string   `json:"role,omitempty"`
	Tool     string   `json:"tool"`
	Expected string   `json:"expected"`
	Actual   string   `json:"actual"`
	Kinds    []string `json:"kinds,omitempty"`
	Missing  []string `json:"missing_kinds,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
