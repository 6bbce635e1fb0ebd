package pipeline

import "context"

// Role identifies which factory agent a generation request is for.
type Role string

const (
	// RoleSpecification turns a task description into a technical spec.
	RoleSpecification Role = "specification"
	// RoleImplementation turns a spec into a code artifact.
	RoleImplementation Role = "implementation"
	// RoleEnvironment classifies a task as DEV or PROD.
	RoleEnvironment Role = "environment"
)

// Mode distinguishes a first implementation pass from a revision pass.
type Mode string

const (
	ModeInitial  Mode = "initial"
	ModeRevision Mode = "revision"
)

// GenerateRequest carries everything a generation stage needs. Revision
// requests additionally carry the prior artifact and the concerns it must
// address.
type GenerateRequest struct {
	Role          Role
	Mode          Mode
	Task          string
	Specification string
	MemoryContext string

	// Revision inputs.
	PreviousArtifact string
	Feedback         string
}

// GenerateResult is the raw output of one provider call plus its token
// accounting.
type GenerateResult struct {
	Content string
	Usage   Usage
}

// Generator produces content for a pipeline stage. Implementations live in
// the llm package; tests supply fakes.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// MemoryRetriever fetches lessons from prior runs relevant to a task.
// Failures are non-fatal to the pipeline.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// LessonRecorder persists a lesson after an approved run. Failures are
// non-fatal to the pipeline.
type LessonRecorder interface {
	StoreLesson(ctx context.Context, runID, task, lesson string, score int) error
}

// ArtifactSink writes the approved (or in-progress) artifact to durable
// storage and returns the path written.
type ArtifactSink interface {
	WriteArtifact(ctx context.Context, env string, content string) (string, error)
}
