package models

// FileOperation is the kind of file change an agent asks permission for.
type FileOperation string

const (
	FileOpCreate    FileOperation = "create"
	FileOpDelete    FileOperation = "delete"
	FileOpRename    FileOperation = "rename"
	FileOpMove      FileOperation = "move"
	FileOpModify    FileOperation = "modify"
	FileOpOverwrite FileOperation = "overwrite"
)

// ValidOperation checks if a file operation is a known enum member.
func ValidOperation(op FileOperation) bool {
	switch op {
	case FileOpCreate, FileOpDelete, FileOpRename, FileOpMove, FileOpModify, FileOpOverwrite:
		return true
	}
	return false
}

// PermissionRequest is an agent-initiated request to touch one or more
// paths. Field names follow the wire protocol the agent speaks.
type PermissionRequest struct {
	RequestID      string        `json:"request_id,omitempty"`
	Operation      FileOperation `json:"operation"`
	FilePath       string        `json:"filePath,omitempty"`
	FilePaths      []string      `json:"filePaths,omitempty"`
	TargetPath     string        `json:"targetPath,omitempty"`
	ContentPreview string        `json:"contentPreview,omitempty"`
}

// Paths returns every path covered by the request, FilePath first.
func (r *PermissionRequest) Paths() []string {
	var paths []string
	if r.FilePath != "" {
		paths = append(paths, r.FilePath)
	}
	paths = append(paths, r.FilePaths...)
	return paths
}

// PermissionDecision is the answer released to a waiting permission request.
type PermissionDecision struct {
	Allowed bool `json:"allowed"`
}

// QuestionOption is one fixed choice offered with a question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionRequest is an agent-initiated question for the user.
type QuestionRequest struct {
	RequestID   string           `json:"request_id,omitempty"`
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// QuestionAnswer is the answer released to a waiting question request.
// Denied means the user dismissed the question without answering.
// CustomText is always serialized, so a free-text answer (possibly
// empty, as when an option-less question is auto-approved) is
// distinguishable from no answer at all.
type QuestionAnswer struct {
	SelectedOptions []string `json:"selectedOptions,omitempty"`
	CustomText      string   `json:"customText"`
	Denied          bool     `json:"denied,omitempty"`
}
