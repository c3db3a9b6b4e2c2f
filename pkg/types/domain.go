package types

// Model represents a model file discovered in the models directory.
type Model struct {
	// Stable identifier for the model (the file name).
	// example: qwen2-vl-2b-q4_k_m.gguf
	ID string `json:"id" example:"qwen2-vl-2b-q4_k_m.gguf"`
	// Human-friendly name, from general.name when present.
	// example: Qwen2-VL 2B Instruct
	Name string `json:"name" example:"Qwen2-VL 2B Instruct"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/qwen2-vl-2b-q4_k_m.gguf
	Path string `json:"path" example:"/home/user/models/qwen2-vl-2b-q4_k_m.gguf"`
	// GGUF general.architecture.
	// example: qwen2vl
	Architecture string `json:"architecture,omitempty" example:"qwen2vl"`
	// Training context length from the model metadata.
	// example: 32768
	ContextLength int `json:"context_length,omitempty" example:"32768"`
	// Size of the model file in bytes.
	// example: 1200000000
	SizeBytes int64 `json:"size_bytes" example:"1200000000"`
	// Matching vision projector (mmproj) file, if one was found.
	// example: /home/user/models/mmproj-qwen2-vl-2b-f16.gguf
	ProjectorPath string `json:"projector_path,omitempty" example:"/home/user/models/mmproj-qwen2-vl-2b-f16.gguf"`
	// Projector type read from the mmproj file.
	// example: qwen2vl
	ProjectorType string `json:"projector_type,omitempty" example:"qwen2vl"`
}
