package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/internal/client"
	"github.com/makeasinger/pipeline/internal/config"
	"github.com/makeasinger/pipeline/internal/model"
)

// Job names
const (
	JobEncodeFLAC   = "encodeFLAC"
	JobTranscodeAAC = "transcodeAAC"
	JobTranscodeMP3 = "transcodeMP3"
)

// TrackStore persists track pipeline state
type TrackStore interface {
	UpdateTrack(ctx context.Context, u model.TrackUpdate) (bool, error)
}

// Notifier delivers user notices and hands jobs to the next stage
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, notice model.Notice) error
	Enqueue(ctx context.Context, queue string, job model.Job) error
}

type stageSpec struct {
	job   string
	stage string

	sourceBucket string
	sourceExt    string
	targetBucket string
	codec        client.Codec

	field      string
	from       []model.TrackStatus
	inProgress model.TrackStatus
	done       model.TrackStatus

	recordDuration bool
	deleteSource   bool
	next           []string

	progressNotice string
	storingNotice  string
	completeNotice string
}

func stageSpecs(b config.BucketsConfig) map[string]stageSpec {
	specs := []stageSpec{
		{
			job:            JobEncodeFLAC,
			stage:          "flac",
			sourceBucket:   b.WAV,
			sourceExt:      "wav",
			targetBucket:   b.FLAC,
			codec:          client.CodecFLAC,
			field:          model.TrackFieldStatus,
			from:           []model.TrackStatus{model.TrackStatusPending, model.TrackStatusUploading, model.TrackStatusEncoding},
			inProgress:     model.TrackStatusEncoding,
			done:           model.TrackStatusEncoded,
			recordDuration: true,
			deleteSource:   true,
			next:           []string{JobTranscodeAAC, JobTranscodeMP3},
			progressNotice: model.NoticeEncodingProgressFLAC,
			storingNotice:  model.NoticeStoringProgressFLAC,
			completeNotice: model.NoticeEncodingCompleteFLAC,
		},
		{
			job:            JobTranscodeAAC,
			stage:          "aac",
			sourceBucket:   b.FLAC,
			sourceExt:      "flac",
			targetBucket:   b.AAC,
			codec:          client.CodecAAC,
			field:          model.TrackFieldStatus,
			from:           []model.TrackStatus{model.TrackStatusEncoded, model.TrackStatusTranscoding},
			inProgress:     model.TrackStatusTranscoding,
			done:           model.TrackStatusStored,
			progressNotice: model.NoticeTranscodingProgressAAC,
			storingNotice:  model.NoticeStoringProgressAAC,
			completeNotice: model.NoticeTranscodingCompleteAAC,
		},
		{
			job:            JobTranscodeMP3,
			stage:          "mp3",
			sourceBucket:   b.FLAC,
			sourceExt:      "flac",
			targetBucket:   b.MP3,
			codec:          client.CodecMP3,
			field:          model.TrackFieldMP3Status,
			from:           []model.TrackStatus{model.TrackStatusNone, model.TrackStatusPending, model.TrackStatusTranscoding},
			inProgress:     model.TrackStatusTranscoding,
			done:           model.TrackStatusStored,
			progressNotice: model.NoticeTranscodingProgressMP3,
			storingNotice:  model.NoticeStoringProgressMP3,
			completeNotice: model.NoticeTranscodingCompleteMP3,
		},
	}

	out := make(map[string]stageSpec, len(specs))
	for _, s := range specs {
		out[s.job] = s
	}
	return out
}

// Deps are the collaborators a Pipeline drives
type Deps struct {
	Store    TrackStore
	Objects  client.ObjectStore
	Codec    client.Transcoder
	Notifier Notifier
	Ranges   *RangeWorker
	Log      *logrus.Entry
	Metrics  *Metrics
}

// Options configure where a Pipeline reads, writes and routes. Routes maps
// a job name to its queue; unmapped jobs use their own name.
type Options struct {
	Buckets    config.BucketsConfig
	ScratchDir string
	Routes     map[string]string
}

// Pipeline runs the transcoding stages for Job messages and hands
// WorkRange messages to the range worker.
type Pipeline struct {
	store    TrackStore
	objects  client.ObjectStore
	codec    client.Transcoder
	notifier Notifier
	ranges   *RangeWorker
	log      *logrus.Entry
	metrics  *Metrics

	stages     map[string]stageSpec
	routes     map[string]string
	newScratch func() *Scratch
}

// NewPipeline creates a pipeline
func NewPipeline(deps Deps, opts Options) *Pipeline {
	scratchDir := opts.ScratchDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Pipeline{
		store:      deps.Store,
		objects:    deps.Objects,
		codec:      deps.Codec,
		notifier:   deps.Notifier,
		ranges:     deps.Ranges,
		log:        deps.Log,
		metrics:    deps.Metrics,
		stages:     stageSpecs(opts.Buckets),
		routes:     opts.Routes,
		newScratch: func() *Scratch { return NewScratch(scratchDir) },
	}
}

// Handle is the bus stage handler
func (p *Pipeline) Handle(ctx context.Context, msg model.Message) error {
	switch m := msg.(type) {
	case model.Job:
		spec, ok := p.stages[m.Job]
		if !ok {
			return fmt.Errorf("unknown job %q", m.Job)
		}
		return p.runStage(ctx, spec, m)
	case model.WorkRange:
		if p.ranges == nil {
			return errors.New("no range worker configured")
		}
		return p.ranges.Handle(ctx, m)
	default:
		return fmt.Errorf("unsupported message kind %s", msg.Kind())
	}
}

// Queue returns the queue a job name is routed to
func (p *Pipeline) Queue(job string) string {
	if q, ok := p.routes[job]; ok && q != "" {
		return q
	}
	return job
}

func storageKey(job model.Job) string {
	return fmt.Sprintf("%s/%s", job.ReleaseID, job.TrackID)
}

func (p *Pipeline) runStage(ctx context.Context, spec stageSpec, job model.Job) (err error) {
	start := time.Now()
	entry := p.log.WithFields(logrus.Fields{
		"job":        job.Job,
		"release_id": job.ReleaseID,
		"track_id":   job.TrackID,
		"user_id":    job.UserID,
	})

	defer func() {
		if r := recover(); r != nil {
			err = p.fail(ctx, entry, spec, job, &StageError{Stage: spec.stage, Step: StepPanic, Err: fmt.Errorf("%v", r)}, start)
		}
	}()

	claimed, err := p.store.UpdateTrack(ctx, model.TrackUpdate{
		ReleaseID: job.ReleaseID,
		TrackID:   job.TrackID,
		UserID:    job.UserID,
		Field:     spec.field,
		In:        spec.from,
		To:        spec.inProgress,
	})
	if err != nil {
		return p.fail(ctx, entry, spec, job, &StageError{Stage: spec.stage, Step: StepClaim, Err: err}, start)
	}
	if !claimed {
		entry.Info("Track not in a state this stage accepts, skipping")
		p.metrics.observe(spec.stage, "skipped", time.Since(start))
		return nil
	}
	p.notifyStatus(ctx, entry, spec, job, spec.inProgress)
	entry.Info("Stage started")

	scratch := p.newScratch()
	defer func() {
		if cerr := scratch.Cleanup(); cerr != nil {
			entry.WithError(cerr).Warn("Failed to remove scratch files")
		}
	}()

	duration, stageErr := p.transform(ctx, entry, spec, job, scratch)
	if stageErr != nil {
		return p.fail(ctx, entry, spec, job, stageErr, start)
	}

	if stageErr := p.complete(ctx, entry, spec, job, duration); stageErr != nil {
		return p.fail(ctx, entry, spec, job, stageErr, start)
	}

	p.metrics.observe(spec.stage, "success", time.Since(start))
	entry.WithField("elapsed", time.Since(start).String()).Info("Stage complete")
	return nil
}

// transform pulls the source artifact, runs the codec and stores the result.
// It returns the probed source duration in seconds.
func (p *Pipeline) transform(ctx context.Context, entry *logrus.Entry, spec stageSpec, job model.Job, scratch *Scratch) (float64, *StageError) {
	stageErr := func(step string, err error) *StageError {
		return &StageError{Stage: spec.stage, Step: step, Err: err}
	}
	key := storageKey(job)

	body, _, err := p.objects.StreamFrom(ctx, spec.sourceBucket, key)
	if err != nil {
		return 0, stageErr(StepFetch, err)
	}
	defer body.Close()

	input, err := scratch.Write(spec.sourceExt, body)
	if err != nil {
		return 0, stageErr(StepDownload, err)
	}

	duration, err := p.codec.Probe(ctx, input)
	if err != nil {
		return 0, stageErr(StepProbe, err)
	}

	output := scratch.Name(spec.codec.Extension)
	err = p.codec.Transcode(ctx, client.TranscodeRequest{
		InputPath:  input,
		OutputPath: output,
		Codec:      spec.codec,
		Duration:   duration,
		OnProgress: p.progress(ctx, entry, job, spec.progressNotice),
	})
	scratch.Adopt(output)
	if err != nil {
		return 0, stageErr(StepTransform, err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return 0, stageErr(StepVerify, err)
	}
	if info.Size() == 0 {
		return 0, stageErr(StepVerify, errors.New("transform produced an empty file"))
	}
	f, err := os.Open(output)
	if err != nil {
		return 0, stageErr(StepVerify, err)
	}
	defer f.Close()

	report := p.progress(ctx, entry, job, spec.storingNotice)
	err = p.objects.StreamTo(ctx, spec.targetBucket, key, f, info.Size(), spec.codec.ContentType, func(sent, total int64) {
		if total > 0 {
			report(float64(sent) / float64(total))
		}
	})
	if err != nil {
		return 0, stageErr(StepStore, err)
	}

	entry.WithFields(logrus.Fields{"bucket": spec.targetBucket, "key": key, "bytes": info.Size()}).Debug("Stored stage output")
	return duration, nil
}

// complete records the done status, releases the consumed source and
// enqueues the follow-on stages.
func (p *Pipeline) complete(ctx context.Context, entry *logrus.Entry, spec stageSpec, job model.Job, duration float64) *StageError {
	update := model.TrackUpdate{
		ReleaseID: job.ReleaseID,
		TrackID:   job.TrackID,
		UserID:    job.UserID,
		Field:     spec.field,
		In:        []model.TrackStatus{spec.inProgress},
		To:        spec.done,
	}
	if spec.recordDuration {
		update.Set = map[string]interface{}{model.TrackFieldDuration: duration}
	}

	matched, err := p.store.UpdateTrack(ctx, update)
	if err != nil {
		return &StageError{Stage: spec.stage, Step: StepComplete, Err: err}
	}
	if !matched {
		entry.Warn("Track left the in-progress state while the stage ran, not handing off")
		return nil
	}

	p.notifyStatus(ctx, entry, spec, job, spec.done)
	p.notify(ctx, entry, job.UserID, spec.completeNotice, model.StageCompletePayload{
		ReleaseID:  job.ReleaseID,
		TrackID:    job.TrackID,
		TrackTitle: job.TrackTitle,
	})

	if spec.deleteSource {
		if err := p.objects.Delete(ctx, spec.sourceBucket, storageKey(job)); err != nil {
			entry.WithError(err).Warn("Failed to delete consumed source artifact")
		}
	}

	for _, next := range spec.next {
		nextJob := model.Job{
			Job:        next,
			ReleaseID:  job.ReleaseID,
			TrackID:    job.TrackID,
			UserID:     job.UserID,
			TrackTitle: job.TrackTitle,
		}
		if err := p.notifier.Enqueue(ctx, p.Queue(next), nextJob); err != nil {
			return &StageError{Stage: spec.stage, Step: StepHandoff, Err: fmt.Errorf("enqueue %s: %w", next, err)}
		}
	}
	return nil
}

// fail records the error status, tells the user which stage failed and
// returns the stage error for the bus to reject the message.
func (p *Pipeline) fail(ctx context.Context, entry *logrus.Entry, spec stageSpec, job model.Job, stageErr *StageError, start time.Time) error {
	entry.WithError(stageErr).WithField("step", stageErr.Step).Error("Stage failed")

	// the error transition must land even when the job context is gone
	ctx = context.WithoutCancel(ctx)
	_, err := p.store.UpdateTrack(ctx, model.TrackUpdate{
		ReleaseID: job.ReleaseID,
		TrackID:   job.TrackID,
		Field:     spec.field,
		NotIn:     model.TerminalTrackStatuses,
		To:        model.TrackStatusError,
	})
	if err != nil {
		entry.WithError(err).Error("Failed to record error status")
	}

	p.notifyStatus(ctx, entry, spec, job, model.TrackStatusError)
	p.notify(ctx, entry, job.UserID, model.NoticePipelineError, model.PipelineErrorPayload{
		Stage:     spec.stage,
		ReleaseID: job.ReleaseID,
		TrackID:   job.TrackID,
		Message:   stageErr.Error(),
	})

	p.metrics.observe(spec.stage, "error", time.Since(start))
	return stageErr
}

func (p *Pipeline) notifyStatus(ctx context.Context, entry *logrus.Entry, spec stageSpec, job model.Job, status model.TrackStatus) {
	payload := model.TrackStatusPayload{
		ReleaseID: job.ReleaseID,
		TrackID:   job.TrackID,
		Status:    status,
	}
	if spec.field != model.TrackFieldStatus {
		payload.Field = spec.field
	}
	p.notify(ctx, entry, job.UserID, model.NoticeTrackStatus, payload)
}

func (p *Pipeline) notify(ctx context.Context, entry *logrus.Entry, userID, noticeType string, payload interface{}) {
	notice, err := model.NewNotice(noticeType, payload)
	if err != nil {
		entry.WithError(err).Error("Failed to build notice")
		return
	}
	if err := p.notifier.NotifyUser(ctx, userID, notice); err != nil {
		entry.WithError(err).WithField("notice", noticeType).Warn("Failed to publish notice")
	}
}

// progress returns a callback that publishes integer percentages, once per change
func (p *Pipeline) progress(ctx context.Context, entry *logrus.Entry, job model.Job, noticeType string) func(float64) {
	last := -1
	return func(fraction float64) {
		pct := int(math.Round(fraction * 100))
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if pct == last {
			return
		}
		last = pct
		p.notify(ctx, entry, job.UserID, noticeType, model.ProgressPayload{
			ReleaseID: job.ReleaseID,
			TrackID:   job.TrackID,
			Progress:  pct,
		})
	}
}
