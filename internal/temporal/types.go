package temporal

// ArticleWorkflowInput starts or resumes one article's enrichment run. Stage
// is the resume point; empty means layer-1 scoring.
type ArticleWorkflowInput struct {
	ArticleID int64  `json:"article_id"`
	Symbol    string `json:"symbol,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// ArticleWorkflowResult summarizes a finished run.
type ArticleWorkflowResult struct {
	ArticleID int64  `json:"article_id"`
	LastStage string `json:"last_stage,omitempty"`
	StagesRun int    `json:"stages_run"`
}

// StageInput names the article a stage activity runs against.
type StageInput struct {
	ArticleID int64 `json:"article_id"`
}

// StageOutput carries a stage verdict back into workflow history. Classified
// stage failures ride in-band so the workflow settles them deterministically;
// only infrastructure errors fail the activity itself.
type StageOutput struct {
	Next              string `json:"next,omitempty"`
	Disabled          bool   `json:"disabled,omitempty"`
	Failed            bool   `json:"failed,omitempty"`
	Transient         bool   `json:"transient,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	ErrorMsg          string `json:"error_msg,omitempty"`
	Symbol            string `json:"symbol,omitempty"`
	ElapsedMs         int64  `json:"elapsed_ms,omitempty"`
}

// RecordFailureInput is the input for the RecordFailure activity.
type RecordFailureInput struct {
	ArticleID int64  `json:"article_id"`
	Symbol    string `json:"symbol,omitempty"`
	Stage     string `json:"stage"`
	Kind      string `json:"kind"`
	ErrorMsg  string `json:"error_msg"`
	Transient bool   `json:"transient"`
	ElapsedMs int64  `json:"elapsed_ms"`
}
