package types

// Model is a weights file found in the models directory. Its size is the
// RAM the cache reserves for it and the VRAM a load is expected to need.
type Model struct {
	// Filename, extension included.
	// example: llama-3.1-8b.Q4_K_M.gguf
	ID string `json:"id" example:"llama-3.1-8b.Q4_K_M.gguf"`
	// Filename without extension.
	// example: llama-3.1-8b.Q4_K_M
	Name string `json:"name" example:"llama-3.1-8b.Q4_K_M"`
	// example: /home/user/models/llm/llama-3.1-8b.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/llm/llama-3.1-8b.Q4_K_M.gguf"`
	// File format taken from the extension.
	// example: gguf
	Format string `json:"format" example:"gguf"`
	// Quantization parsed from the filename, empty when absent.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// example: llama
	Family    string `json:"family,omitempty" example:"llama"`
	SizeBytes uint64 `json:"size_bytes" example:"4920734016"`
}
