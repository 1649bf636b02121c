package model

type ProblemDifficulty string

const (
	DifficultyEasy   ProblemDifficulty = "Easy"
	DifficultyMedium ProblemDifficulty = "Medium"
	DifficultyHard   ProblemDifficulty = "Hard"
)

// Problem is the slice of a problem-bank entry a match needs.
type Problem struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Slug           string            `json:"slug"`
	Difficulty     ProblemDifficulty `json:"difficulty"`
	RuntimeLimitMs int               `json:"runtime_limit_ms"`
	MemoryLimitKb  int               `json:"memory_limit_kb"`
	TestCaseCount  int               `json:"test_case_count"`
}

type TestCase struct { // Hidden test cases
	ID             string `json:"id"`
	ProblemID      string `json:"problem_id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	SortOrder      int    `json:"sort_order"`
}

type Language struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Slug     string `json:"slug"`     // For API usage
	JudgeID  int    `json:"judge_id"` // Language id understood by the judge
	IsActive bool   `json:"is_active"`
}
