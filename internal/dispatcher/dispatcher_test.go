package dispatcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mlsecarena/evalrunner/internal/models"
)

// fakeJobStore is a minimal in-memory interfaces.JobStore for dispatcher tests.
type fakeJobStore struct {
	statuses      map[string]models.JobStatus
	submissions   map[string]*models.Submission
	validated     []*models.Submission
	runs          map[string]*models.EvaluationRun // keyed by defenseID+"/"+attackID
	createdJobs   []models.JobKind
	createJobErr  error
	createRunErr  error
	populateFiles map[string][]*models.AttackFile
	attackStatus  map[string]models.SubmissionStatus
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		statuses:      map[string]models.JobStatus{},
		submissions:   map[string]*models.Submission{},
		runs:          map[string]*models.EvaluationRun{},
		populateFiles: map[string][]*models.AttackFile{},
		attackStatus:  map[string]models.SubmissionStatus{},
	}
}

func runKey(defenseID, attackID string) string { return defenseID + "/" + attackID }

func (f *fakeJobStore) CreateJob(ctx context.Context, kind models.JobKind, payload map[string]any, requestedBy string) (string, error) {
	if f.createJobErr != nil {
		return "", f.createJobErr
	}
	f.createdJobs = append(f.createdJobs, kind)
	return fmt.Sprintf("job-%d", len(f.createdJobs)), nil
}

func (f *fakeJobStore) SetStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	f.statuses[jobID] = status
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return &models.Job{ID: jobID, Status: f.statuses[jobID]}, nil
}

func (f *fakeJobStore) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	sub, ok := f.submissions[id]
	if !ok {
		return nil, fmt.Errorf("no such submission: %s", id)
	}
	return sub, nil
}

func (f *fakeJobStore) SetDefenseFunctional(ctx context.Context, submissionID string, functional models.IsFunctional, status models.SubmissionStatus, functionalError string) error {
	return nil
}

func (f *fakeJobStore) SetAttackStatus(ctx context.Context, submissionID string, status models.SubmissionStatus) error {
	f.attackStatus[submissionID] = status
	return nil
}

func (f *fakeJobStore) ValidatedDefenses(ctx context.Context) ([]*models.Submission, error) {
	return f.validated, nil
}

func (f *fakeJobStore) AttackFiles(ctx context.Context, attackSubmissionID string) ([]*models.AttackFile, error) {
	return f.populateFiles[attackSubmissionID], nil
}

func (f *fakeJobStore) PopulateAttackFiles(ctx context.Context, attackSubmissionID string, files []*models.AttackFile) error {
	f.populateFiles[attackSubmissionID] = files
	return nil
}

func (f *fakeJobStore) UnevaluatedAttacksFor(ctx context.Context, defenseSubmissionID string) ([]string, error) {
	return nil, nil
}

func (f *fakeJobStore) EvaluationRunInNonTerminalState(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (*models.EvaluationRun, error) {
	run, ok := f.runs[runKey(defenseSubmissionID, attackSubmissionID)]
	if !ok || run.Status.IsTerminal() {
		return nil, nil
	}
	return run, nil
}

func (f *fakeJobStore) CreateEvaluationRun(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (string, error) {
	if f.createRunErr != nil {
		return "", f.createRunErr
	}
	id := fmt.Sprintf("run-%s-%s", defenseSubmissionID, attackSubmissionID)
	f.runs[runKey(defenseSubmissionID, attackSubmissionID)] = &models.EvaluationRun{
		ID: id, DefenseSubmissionID: defenseSubmissionID, AttackSubmissionID: attackSubmissionID, Status: models.RunStatusQueued,
	}
	return id, nil
}

func (f *fakeJobStore) SetEvaluationRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	for _, run := range f.runs {
		if run.ID == runID {
			run.Status = status
		}
	}
	return nil
}

func (f *fakeJobStore) InsertEvaluationResult(ctx context.Context, result *models.EvaluationResult) error {
	return nil
}

func (f *fakeJobStore) CountEvaluationResults(ctx context.Context, runID string) (int, error) {
	return 0, nil
}

// fakeRegistry is a minimal in-memory interfaces.WorkerRegistry for dispatcher tests.
type fakeRegistry struct {
	openWorkers map[string][]*models.WorkerRecord
	claims      map[string]bool
	claimErr    error
	pushedTo    []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{openWorkers: map[string][]*models.WorkerRecord{}, claims: map[string]bool{}}
}

func (r *fakeRegistry) Register(ctx context.Context, workerID, defenseSubmissionID, jobID string) error {
	return nil
}
func (r *fakeRegistry) PushAttack(ctx context.Context, workerID, attackSubmissionID string) error {
	r.pushedTo = append(r.pushedTo, workerID)
	return nil
}
func (r *fakeRegistry) PopAttack(ctx context.Context, workerID string, timeout time.Duration) (string, error) {
	return "", nil
}
func (r *fakeRegistry) CloseQueue(ctx context.Context, workerID string) error { return nil }
func (r *fakeRegistry) Heartbeat(ctx context.Context, workerID string) error  { return nil }
func (r *fakeRegistry) Unregister(ctx context.Context, workerID string) error { return nil }
func (r *fakeRegistry) OpenWorkersFor(ctx context.Context, defenseSubmissionID string) ([]*models.WorkerRecord, error) {
	return r.openWorkers[defenseSubmissionID], nil
}
func (r *fakeRegistry) ClaimEvaluation(ctx context.Context, defenseSubmissionID, attackSubmissionID, jobID string) (bool, error) {
	if r.claimErr != nil {
		return false, r.claimErr
	}
	key := runKey(defenseSubmissionID, attackSubmissionID)
	if r.claims[key] {
		return false, nil
	}
	r.claims[key] = true
	return true, nil
}

// fakeBroker is a minimal in-memory interfaces.Broker for dispatcher tests.
type fakeBroker struct {
	publishedDefense []models.DefenseJobPayload
}

func (b *fakeBroker) PublishDefenseJob(ctx context.Context, payload models.DefenseJobPayload, jobID string) error {
	b.publishedDefense = append(b.publishedDefense, payload)
	return nil
}
func (b *fakeBroker) PublishAttackJob(ctx context.Context, payload models.AttackJobPayload, jobID string) error {
	return nil
}
func (b *fakeBroker) ConsumeDefenseJobs(ctx context.Context, handler func(context.Context, models.Envelope) error) error {
	return nil
}
func (b *fakeBroker) ConsumeAttackJobs(ctx context.Context, handler func(context.Context, models.Envelope) error) error {
	return nil
}

// fakeBlobStore is a minimal in-memory interfaces.BlobStore for dispatcher tests.
type fakeBlobStore struct {
	objects map[string][]byte
	getErr  error
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{objects: map[string][]byte{}} }

func (b *fakeBlobStore) Get(ctx context.Context, objectKey string) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	data, ok := b.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", objectKey)
	}
	return data, nil
}
func (b *fakeBlobStore) GetReader(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}
func (b *fakeBlobStore) Put(ctx context.Context, objectKey string, data []byte) error {
	b.objects[objectKey] = data
	return nil
}
