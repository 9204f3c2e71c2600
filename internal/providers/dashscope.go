package providers

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen-turbo"
)

// NewDashScopeProvider is the OpenAI-compatible DashScope endpoint with its
// own base URL and model defaults.
func NewDashScopeProvider(opts Options) *OpenAIProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = dashscopeDefaultBase
	}
	if opts.Model == "" {
		opts.Model = dashscopeDefaultModel
	}
	return NewOpenAIProvider("dashscope", opts)
}
