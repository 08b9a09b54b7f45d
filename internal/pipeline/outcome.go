package pipeline

// FailureKind classifies a failed stage attempt.
type FailureKind string

const (
	// FailureTransient covers timeouts, rate limits, and network errors;
	// eligible for retry under the stage's backoff policy.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers invalid input and policy rejections; the item
	// fails immediately regardless of remaining attempts.
	FailurePermanent FailureKind = "permanent"
)

// Failure describes a classified adapter failure.
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Outcome is the result of exactly one stage attempt. Either Artifact is set
// (success) or Failure is non-nil. Executors report outcomes; they never write
// item state themselves.
type Outcome struct {
	Artifact any
	Failure  *Failure
}

// Success wraps an artifact reference in a successful outcome.
func Success(artifact any) Outcome {
	return Outcome{Artifact: artifact}
}

// Transient builds a retryable failure outcome.
func Transient(detail string) Outcome {
	return Outcome{Failure: &Failure{Kind: FailureTransient, Detail: detail}}
}

// Permanent builds a non-retryable failure outcome.
func Permanent(detail string) Outcome {
	return Outcome{Failure: &Failure{Kind: FailurePermanent, Detail: detail}}
}
