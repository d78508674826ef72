package runstate

// Status represents the lifecycle status of a training run.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusFinished     Status = "finished"
	StatusInterrupted  Status = "interrupted"
)

// Stage identifies which entry point currently drives the loops.
type Stage string

const (
	StageTrain       Stage = "train"
	StageSanityCheck Stage = "sanity_check"
	StageValidate    Stage = "validate"
	StageTest        Stage = "test"
	StagePredict     Stage = "predict"
	StageTune        Stage = "tune"
)

// Evaluating reports whether the stage runs modules in inference mode.
func (s Stage) Evaluating() bool {
	switch s {
	case StageSanityCheck, StageValidate, StageTest, StagePredict:
		return true
	}
	return false
}

// State is the mutable progress record of a run. The controller advances
// CurrentEpoch and GlobalStep; ShouldStop may additionally be latched by
// user code from inside a callback or module hook.
type State struct {
	RunID        string `json:"run_id"`
	CurrentEpoch int    `json:"current_epoch"`
	GlobalStep   int    `json:"global_step"`
	Stage        Stage  `json:"stage"`
	Status       Status `json:"status"`
	ShouldStop   bool   `json:"should_stop"`
}

// RequestStop latches the stop flag. It is never cleared mid-run; min
// bound floors decide when the request takes effect.
func (s *State) RequestStop() {
	s.ShouldStop = true
}

// Terminal reports whether the status ends the current trainer call.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusInterrupted
}
