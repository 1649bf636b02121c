package model

import "time"

type SubmissionStatus string

const (
	StatusPending             SubmissionStatus = "Pending"
	StatusAccepted            SubmissionStatus = "Accepted"
	StatusWrongAnswer         SubmissionStatus = "WrongAnswer"
	StatusTimeLimitExceeded   SubmissionStatus = "TimeLimitExceeded"
	StatusMemoryLimitExceeded SubmissionStatus = "MemoryLimitExceeded"
	StatusCompilationError    SubmissionStatus = "CompilationError"
	StatusRuntimeError        SubmissionStatus = "RuntimeError"
	StatusSystemError         SubmissionStatus = "SystemError" // Error in our system/judge
	StatusGradingTimeout      SubmissionStatus = "GradingTimeout"
)

// PointsPerTestCase is awarded for every accepted test case.
const PointsPerTestCase = 2

// Submission is immutable once recorded; a re-submission is a new record.
type Submission struct {
	ID              string            `json:"id"`
	RoomID          string            `json:"room_id"`
	UserID          string            `json:"user_id"`
	ProblemID       string            `json:"problem_id"`
	Language        string            `json:"language"`
	Code            string            `json:"code,omitempty"`
	Status          SubmissionStatus  `json:"status"`
	Score           int               `json:"score"`
	PassedCount     int               `json:"passed_count"`
	TestCaseCount   int               `json:"test_case_count"`
	Applied         bool              `json:"applied"` // false when it arrived after the match ended
	ExecutionTimeMs *int              `json:"execution_time_ms,omitempty"`
	MemoryKb        *int              `json:"memory_kb,omitempty"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	JudgedAt        time.Time         `json:"judged_at"`
	Verdicts        []TestCaseVerdict `json:"verdicts,omitempty"`
}

type TestCaseVerdict struct {
	TestCaseID      string           `json:"test_case_id"`
	Status          SubmissionStatus `json:"status"`
	Stdout          *string          `json:"stdout,omitempty"`
	Stderr          *string          `json:"stderr,omitempty"`
	ExecutionTimeMs *int             `json:"execution_time_ms,omitempty"`
	MemoryKb        *int             `json:"memory_kb,omitempty"`
}

// ScoreVerdicts returns the points for a set of verdicts and how many passed.
func ScoreVerdicts(verdicts []TestCaseVerdict) (score, passed int) {
	for _, v := range verdicts {
		if v.Status == StatusAccepted {
			passed++
		}
	}
	return passed * PointsPerTestCase, passed
}

// AggregateStatus picks the submission status: Accepted when every case
// passed, otherwise the first failing verdict.
func AggregateStatus(verdicts []TestCaseVerdict) SubmissionStatus {
	if len(verdicts) == 0 {
		return StatusSystemError
	}
	for _, v := range verdicts {
		if v.Status != StatusAccepted {
			return v.Status
		}
	}
	return StatusAccepted
}
