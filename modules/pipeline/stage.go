package pipeline

import (
	"context"

	"photo-enhance-server/modules/common/model"
)

// stageResult is ok(ref, data) or failed(err). fatal is set only when the
// orchestrator's own bookkeeping broke, never for an API failure.
type stageResult struct {
	ref   string
	data  []byte
	err   error
	fatal error
}

func ok(ref string, data []byte) stageResult {
	return stageResult{ref: ref, data: data}
}

func failed(err error) stageResult {
	return stageResult{err: err}
}

// stage - optional 후처리 단계
type stage struct {
	name     string
	artifact string
	status   model.JobStatus
	progress string
	enabled  bool
	run      func(ctx context.Context, image []byte) ([]byte, error)
	// apply records a successful output on u and returns an artifact ref that
	// is no longer needed, if any.
	apply func(u *model.JobUpdate, ref string, latest *model.Job) string
}

func (o *Orchestrator) optionalStages(job *model.Job) []stage {
	pp := o.postProcessor
	return []stage{
		{
			name:     model.StageBackgroundRemoval,
			artifact: "background_removed",
			status:   model.StatusRemovingBackground,
			progress: "Removing background",
			enabled:  pp != nil && job.RemoveBackground,
			run: func(ctx context.Context, image []byte) ([]byte, error) {
				return pp.RemoveBackground(ctx, image)
			},
			apply: func(u *model.JobUpdate, ref string, _ *model.Job) string {
				u.BackgroundRemoved = model.StringPtr(ref)
				return ""
			},
		},
		{
			name:     model.StageUpscaling,
			artifact: "upscaled",
			status:   model.StatusUpscaling,
			progress: "Upscaling image",
			enabled:  pp != nil,
			run: func(ctx context.Context, image []byte) ([]byte, error) {
				return pp.Upscale(ctx, image, UpscaleFactor)
			},
			apply: func(u *model.JobUpdate, ref string, latest *model.Job) string {
				u.Upscaled = model.StringPtr(ref)
				// 배경 제거 결과는 업스케일 입력으로만 쓰였으므로 정리
				if bg := latest.Outputs.BackgroundRemoved; bg != "" {
					u.BackgroundRemoved = model.StringPtr("")
					return bg
				}
				return ""
			},
		},
	}
}
