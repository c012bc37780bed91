package models

// VariantDescriptor points at one rendition index of a packaged video
type VariantDescriptor struct {
	Quality string `json:"quality"`
	Path    string `json:"path"`
}

// ProcessedFileResult describes one delivered file. Never mutated after creation.
type ProcessedFileResult struct {
	OriginalName string              `json:"originalName"`
	FileName     string              `json:"fileName"`
	Path         string              `json:"path"`                 // public path
	Size         int64               `json:"size"`                 // bytes
	MimeType     string              `json:"mimeType"`             // delivered container
	Versions     []VariantDescriptor `json:"versions,omitempty"`   // video renditions
	SignedPath   string              `json:"signedPath,omitempty"` // public path with delivery token
}

// FileErrorResponse is one rejected file of a batch
type FileErrorResponse struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
	Kind   string `json:"kind"` // validation/processing/transport/internal
}

// UploadResponse is returned by the upload endpoints
type UploadResponse struct {
	Success   bool                  `json:"success"`
	Processed int                   `json:"processed"`
	Total     int                   `json:"total"`
	Results   []ProcessedFileResult `json:"results"`
	Errors    []FileErrorResponse   `json:"errors"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status        string                 `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	FFmpegVersion string                 `json:"ffmpeg_version"`
	RemotePool    map[string]interface{} `json:"remote_pool"`
	BufferPool    map[string]interface{} `json:"buffer_pool"`
	Converters    map[string]interface{} `json:"converters"`
	TokenCache    map[string]interface{} `json:"token_cache"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
